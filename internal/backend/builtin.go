package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend/sqlstore"
)

func (f *Facade) registerBuiltins() {
	for _, desc := range []*MethodDescriptor{
		{
			Name:    "backend_info",
			Doc:     "Get generic information about the service and its backend.",
			ACL:     ACLAuthenticated(),
			Handler: f.backendInfo,
		},
		{
			Name:    "backend_getInterface",
			Doc:     "Describe all callable methods.",
			ACL:     ACLAuthenticated(),
			Handler: f.backendGetInterface,
		},
		{
			Name:    "backend_exit",
			Doc:     "Close the backend connection (kept for legacy clients, no-op).",
			ACL:     ACLAllowAll(),
			Handler: func(context.Context, *Call) (interface{}, error) { return nil, nil },
		},
		{
			Name: "backend_getLicensingInfo",
			Params: []ParamSpec{
				{Name: "licenses", HasDefault: true, Default: false},
				{Name: "legacy_modules", HasDefault: true, Default: false},
				{Name: "dates", HasDefault: true, Default: false},
				{Name: "allow_cache", HasDefault: true, Default: true},
			},
			Doc:     "Return licensing state, cached for up to one hour.",
			ACL:     ACLAdminOnly(),
			Handler: f.backendGetLicensingInfo,
		},
		{
			Name:    "accessControl_authenticated",
			Doc:     "Return true when the session is authenticated.",
			ACL:     ACLAuthenticated(),
			Handler: func(_ context.Context, call *Call) (interface{}, error) { return true, nil },
		},
		{
			Name:    "accessControl_userIsAdmin",
			ACL:     ACLAuthenticated(),
			Handler: func(_ context.Context, call *Call) (interface{}, error) { return call.Caller.IsAdmin, nil },
		},
		{
			Name:    "accessControl_userIsReadOnlyUser",
			ACL:     ACLAuthenticated(),
			Handler: func(_ context.Context, call *Call) (interface{}, error) { return call.Caller.IsReadOnly, nil },
		},
		{
			Name:     "host_getObjects",
			Params:   []ParamSpec{{Name: "attributes", HasDefault: true, Default: []interface{}{}}},
			Keywords: "filter",
			Doc:      "Get host objects matching the filter.",
			ACL:      ACLAdminOrSelf(),
			Handler:  f.hostGetObjects,
		},
		{
			Name:     "host_getIdents",
			Params:   []ParamSpec{{Name: "returnType", HasDefault: true, Default: "str"}},
			Keywords: "filter",
			Doc:      "Get the idents of hosts matching the filter.",
			ACL:      ACLAdminOrSelf(),
			Handler:  f.hostGetIdents,
		},
		{
			Name:    "host_updateObject",
			Params:  []ParamSpec{{Name: "host"}},
			Doc:     "Create or update one host object.",
			ACL:     ACLAdminOrSelf(),
			Handler: f.hostUpdateObject,
		},
		{
			Name:    "host_delete",
			Params:  []ParamSpec{{Name: "id"}},
			Doc:     "Delete a host and everything bound to it.",
			ACL:     ACLAdminOnly(),
			Handler: f.hostDelete,
		},
		{
			Name:              "getDepotIds_list",
			Deprecated:        true,
			AlternativeMethod: "host_getIdents",
			Doc:               "List all depot ids.",
			ACL:               ACLAuthenticated(),
			Handler:           f.getDepotIDs,
		},
		{
			Name: "getProductOrdering",
			Params: []ParamSpec{
				{Name: "depotId"},
				{Name: "sortAlgorithm", HasDefault: true, Default: sqlstore.AlgorithmDefault},
			},
			Doc:     "Compute the product install ordering of a depot.",
			ACL:     ACLAuthenticated(),
			Handler: f.getProductOrdering,
		},
		{
			Name: "productOnDepot_create",
			Params: []ParamSpec{
				{Name: "productId"},
				{Name: "productType", HasDefault: true, Default: "LocalbootProduct"},
				{Name: "productVersion", HasDefault: true, Default: ""},
				{Name: "packageVersion", HasDefault: true, Default: ""},
				{Name: "depotId"},
				{Name: "priority", HasDefault: true, Default: float64(0)},
			},
			Doc:     "Assign a product to a depot.",
			ACL:     ACLAdminOnly(),
			Handler: f.productOnDepotCreate,
		},
		{
			Name: "productOnDepot_delete",
			Params: []ParamSpec{
				{Name: "productId"},
				{Name: "depotId"},
			},
			Doc:     "Remove a product from a depot.",
			ACL:     ACLAdminOnly(),
			Handler: f.productOnDepotDelete,
		},
		{
			Name: "productOrdering_markOutdated",
			Params: []ParamSpec{
				{Name: "depotId"},
			},
			Doc:     "Force a product ordering recompute for a depot.",
			ACL:     ACLAdminOnly(),
			Handler: f.productOrderingMarkOutdated,
		},
		{
			Name: "user_setCredentials",
			Params: []ParamSpec{
				{Name: "username"},
				{Name: "password"},
			},
			Doc:     "Create or update a service user.",
			ACL:     ACLAdminOnly(),
			Handler: f.userSetCredentials,
		},
	} {
		f.registry.Register(desc)
	}
}

func (f *Facade) backendInfo(_ context.Context, _ *Call) (interface{}, error) {
	return map[string]interface{}{
		"opsiVersion": f.version,
		"node":        f.nodeName,
		"modules":     map[string]interface{}{},
		"realmodules": map[string]interface{}{},
	}, nil
}

func (f *Facade) backendGetInterface(_ context.Context, _ *Call) (interface{}, error) {
	return f.Interface(), nil
}

func (f *Facade) backendGetLicensingInfo(ctx context.Context, call *Call) (interface{}, error) {
	desc, _ := f.registry.Lookup("backend_getLicensingInfo")
	allowCache := true
	if v, ok := desc.Arg(call, "allow_cache").(bool); ok {
		allowCache = v
	}
	return f.licensing.Get(ctx, allowCache)
}

func (f *Facade) hostGetObjects(ctx context.Context, call *Call) (interface{}, error) {
	desc, _ := f.registry.Lookup("host_getObjects")
	filter := hostFilterFromKwargs(call)
	hosts, err := f.store.GetHosts(ctx, filter)
	if err != nil {
		return nil, Wrap(KindInternal, err, "host query failed")
	}
	attributes := desc.StringSliceArg(call, "attributes")
	result := make([]interface{}, len(hosts))
	for i := range hosts {
		m := hosts[i].ToMap()
		if len(attributes) > 0 {
			m = filterMap(m, ACLDecision{Attributes: attributes})
		}
		result[i] = m
	}
	return result, nil
}

func (f *Facade) hostGetIdents(ctx context.Context, call *Call) (interface{}, error) {
	idents, err := f.store.GetHostIdents(ctx, hostFilterFromKwargs(call))
	if err != nil {
		return nil, Wrap(KindInternal, err, "host query failed")
	}
	return idents, nil
}

func (f *Facade) hostUpdateObject(ctx context.Context, call *Call) (interface{}, error) {
	desc, _ := f.registry.Lookup("host_updateObject")
	raw, ok := desc.Arg(call, "host").(map[string]interface{})
	if !ok {
		return nil, BadValuef("host must be an object")
	}
	host, err := hostFromMap(raw)
	if err != nil {
		return nil, err
	}
	if call.SelfOnly && host.ID != call.Caller.HostID {
		return nil, PermissionDeniedf("host %s may only update itself", call.Caller.HostID)
	}
	if err := f.store.UpsertHost(ctx, host); err != nil {
		return nil, Wrap(KindInternal, err, "host update failed")
	}
	return nil, nil
}

func (f *Facade) hostDelete(ctx context.Context, call *Call) (interface{}, error) {
	desc, _ := f.registry.Lookup("host_delete")
	id := desc.StringArg(call, "id")
	if id == "" {
		return nil, BadValuef("id must not be empty")
	}
	err := f.store.DeleteHost(ctx, id)
	if errors.Is(err, sqlstore.ErrHostNotFound) {
		return nil, NotFoundf("host %q not found", id)
	}
	if err != nil {
		return nil, Wrap(KindInternal, err, "host delete failed")
	}
	return nil, nil
}

func (f *Facade) getDepotIDs(ctx context.Context, _ *Call) (interface{}, error) {
	ids, err := f.store.GetDepotIDs(ctx)
	if err != nil {
		return nil, Wrap(KindInternal, err, "depot query failed")
	}
	return ids, nil
}

func (f *Facade) getProductOrdering(ctx context.Context, call *Call) (interface{}, error) {
	desc, _ := f.registry.Lookup("getProductOrdering")
	depotID := desc.StringArg(call, "depotId")
	if depotID == "" {
		return nil, BadValuef("depotId must not be empty")
	}
	algorithm := desc.StringArg(call, "sortAlgorithm")
	ordering, err := f.store.GetProductOrdering(ctx, depotID, algorithm)
	if err != nil {
		return nil, Wrap(KindInternal, err, "product ordering failed")
	}
	return map[string]interface{}{
		"not_sorted": ordering.NotSorted,
		"sorted":     ordering.Sorted,
	}, nil
}

func (f *Facade) productOnDepotCreate(ctx context.Context, call *Call) (interface{}, error) {
	desc, _ := f.registry.Lookup("productOnDepot_create")
	pod := &sqlstore.ProductOnDepot{
		ProductID:      desc.StringArg(call, "productId"),
		DepotID:        desc.StringArg(call, "depotId"),
		ProductType:    desc.StringArg(call, "productType"),
		ProductVersion: desc.StringArg(call, "productVersion"),
		PackageVersion: desc.StringArg(call, "packageVersion"),
	}
	if pod.ProductID == "" || pod.DepotID == "" {
		return nil, BadValuef("productId and depotId must not be empty")
	}
	if prio, ok := desc.Arg(call, "priority").(float64); ok {
		pod.Priority = int(prio)
	}
	if err := f.store.UpsertProductOnDepot(ctx, pod); err != nil {
		return nil, Wrap(KindInternal, err, "product assignment failed")
	}
	return nil, nil
}

func (f *Facade) productOnDepotDelete(ctx context.Context, call *Call) (interface{}, error) {
	desc, _ := f.registry.Lookup("productOnDepot_delete")
	productID := desc.StringArg(call, "productId")
	depotID := desc.StringArg(call, "depotId")
	if productID == "" || depotID == "" {
		return nil, BadValuef("productId and depotId must not be empty")
	}
	if err := f.store.DeleteProductOnDepot(ctx, productID, depotID); err != nil {
		return nil, Wrap(KindInternal, err, "product removal failed")
	}
	return nil, nil
}

func (f *Facade) productOrderingMarkOutdated(ctx context.Context, call *Call) (interface{}, error) {
	desc, _ := f.registry.Lookup("productOrdering_markOutdated")
	depotID := desc.StringArg(call, "depotId")
	if depotID == "" {
		return nil, BadValuef("depotId must not be empty")
	}
	if err := f.store.SetProductOrderingOutdated(ctx, depotID, true); err != nil {
		return nil, Wrap(KindInternal, err, "mark outdated failed")
	}
	return nil, nil
}

func (f *Facade) userSetCredentials(ctx context.Context, call *Call) (interface{}, error) {
	desc, _ := f.registry.Lookup("user_setCredentials")
	username := desc.StringArg(call, "username")
	password := desc.StringArg(call, "password")
	if username == "" || password == "" {
		return nil, BadValuef("username and password must not be empty")
	}
	if err := f.store.UpsertUser(ctx, username, password, nil); err != nil {
		return nil, Wrap(KindInternal, err, "user update failed")
	}
	return nil, nil
}

func hostFilterFromKwargs(call *Call) sqlstore.HostFilter {
	filter := sqlstore.HostFilter{}
	if call.SelfOnly {
		filter.SelfID = call.Caller.HostID
		return filter
	}
	if ids, ok := call.Kwargs["id"]; ok {
		switch v := ids.(type) {
		case string:
			filter.IDs = []string{v}
		case []interface{}:
			for _, e := range v {
				filter.IDs = append(filter.IDs, fmt.Sprintf("%v", e))
			}
		}
	}
	if t, ok := call.Kwargs["type"].(string); ok {
		filter.Type = t
	}
	return filter
}

func hostFromMap(raw map[string]interface{}) (*sqlstore.Host, error) {
	id, _ := raw["id"].(string)
	if id == "" {
		return nil, BadValuef("host object requires an id")
	}
	host := &sqlstore.Host{ID: id, Type: sqlstore.HostTypeClient}
	if t, ok := raw["type"].(string); ok && t != "" {
		host.Type = t
	}
	if v, ok := raw["description"].(string); ok {
		host.Description = v
	}
	if v, ok := raw["notes"].(string); ok {
		host.Notes = v
	}
	if v, ok := raw["inventoryNumber"].(string); ok {
		host.InventoryNumber = v
	}
	if v, ok := raw["opsiHostKey"].(string); ok && v != "" {
		host.HostKey = sql.NullString{String: v, Valid: true}
	}
	if v, ok := raw["hardwareAddress"].(string); ok && v != "" {
		host.HardwareAddress = sql.NullString{String: v, Valid: true}
	}
	if v, ok := raw["ipAddress"].(string); ok && v != "" {
		host.IPAddress = sql.NullString{String: v, Valid: true}
	}
	return host, nil
}
