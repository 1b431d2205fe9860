package sqlstore

import (
	"context"
	"fmt"
	"sort"
)

// Product ordering algorithms.
const (
	// AlgorithmDefault orders by priority and resolves dependencies so a
	// required product always precedes its dependents.
	AlgorithmDefault = "algorithm1"
	// AlgorithmPriority orders strictly by priority.
	AlgorithmPriority = "algorithm2"
)

// ProductOrdering is the result of sorting a depot's products.
type ProductOrdering struct {
	NotSorted []string `json:"not_sorted"`
	Sorted    []string `json:"sorted"`
}

// ProductsOnDepot lists the product assignments of one depot.
func (s *Store) ProductsOnDepot(ctx context.Context, depotID string) ([]ProductOnDepot, error) {
	var products []ProductOnDepot
	query := s.db.Rebind(`SELECT * FROM product_on_depot WHERE depot_id = ? ORDER BY product_id`)
	if err := s.db.SelectContext(ctx, &products, query, depotID); err != nil {
		return nil, fmt.Errorf("products on depot %s: %w", depotID, err)
	}
	return products, nil
}

// ProductDependencies lists dependencies between the products of a depot.
func (s *Store) ProductDependencies(ctx context.Context, depotID string) ([]ProductDependency, error) {
	var deps []ProductDependency
	query := s.db.Rebind(`
		SELECT pd.product_id, pd.required_product_id
		FROM product_dependencies pd
		JOIN product_on_depot pod ON pod.product_id = pd.product_id AND pod.depot_id = ?
		ORDER BY pd.product_id, pd.required_product_id`)
	if err := s.db.SelectContext(ctx, &deps, query, depotID); err != nil {
		return nil, fmt.Errorf("product dependencies on depot %s: %w", depotID, err)
	}
	return deps, nil
}

// UpsertProductOnDepot creates or replaces a product assignment.
func (s *Store) UpsertProductOnDepot(ctx context.Context, pod *ProductOnDepot) error {
	query := s.db.Rebind(`
		INSERT INTO product_on_depot (product_id, depot_id, product_type, product_version, package_version, priority)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (product_id, depot_id) DO UPDATE SET
			product_type = excluded.product_type,
			product_version = excluded.product_version,
			package_version = excluded.package_version,
			priority = excluded.priority`)
	_, err := s.db.ExecContext(ctx, query,
		pod.ProductID, pod.DepotID, pod.ProductType, pod.ProductVersion, pod.PackageVersion, pod.Priority,
	)
	if err != nil {
		return fmt.Errorf("upsert product %s on %s: %w", pod.ProductID, pod.DepotID, err)
	}
	return nil
}

// DeleteProductOnDepot removes a product assignment.
func (s *Store) DeleteProductOnDepot(ctx context.Context, productID, depotID string) error {
	query := s.db.Rebind(`DELETE FROM product_on_depot WHERE product_id = ? AND depot_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, productID, depotID); err != nil {
		return fmt.Errorf("delete product %s on %s: %w", productID, depotID, err)
	}
	return nil
}

// GetProductOrdering computes the install ordering of a depot's products.
func (s *Store) GetProductOrdering(ctx context.Context, depotID, algorithm string) (*ProductOrdering, error) {
	products, err := s.ProductsOnDepot(ctx, depotID)
	if err != nil {
		return nil, err
	}
	deps, err := s.ProductDependencies(ctx, depotID)
	if err != nil {
		return nil, err
	}
	return OrderProducts(products, deps, algorithm), nil
}

// OrderProducts sorts products by the chosen algorithm. The not_sorted
// member always lists product ids alphabetically.
func OrderProducts(products []ProductOnDepot, deps []ProductDependency, algorithm string) *ProductOrdering {
	notSorted := make([]string, len(products))
	for i, p := range products {
		notSorted[i] = p.ProductID
	}
	sort.Strings(notSorted)

	var sorted []string
	switch algorithm {
	case AlgorithmPriority:
		sorted = sortByPriority(products)
	default:
		sorted = sortByDependency(products, deps)
	}
	return &ProductOrdering{NotSorted: notSorted, Sorted: sorted}
}

func sortByPriority(products []ProductOnDepot) []string {
	sorted := make([]ProductOnDepot, len(products))
	copy(sorted, products)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].ProductID < sorted[j].ProductID
	})
	ids := make([]string, len(sorted))
	for i, p := range sorted {
		ids[i] = p.ProductID
	}
	return ids
}

// sortByDependency performs a stable topological sort: products come out in
// priority order except that a required product always precedes the products
// depending on it. Dependency cycles fall back to priority order for the
// products involved.
func sortByDependency(products []ProductOnDepot, deps []ProductDependency) []string {
	byPriority := sortByPriority(products)

	present := make(map[string]bool, len(products))
	for _, p := range products {
		present[p.ProductID] = true
	}
	requires := make(map[string][]string)
	for _, d := range deps {
		if present[d.ProductID] && present[d.RequiredProductID] {
			requires[d.ProductID] = append(requires[d.ProductID], d.RequiredProductID)
		}
	}

	var (
		result   = make([]string, 0, len(byPriority))
		done     = make(map[string]bool, len(byPriority))
		visiting = make(map[string]bool)
	)
	var visit func(id string)
	visit = func(id string) {
		if done[id] || visiting[id] {
			return
		}
		visiting[id] = true
		reqs := append([]string{}, requires[id]...)
		sort.Strings(reqs)
		for _, req := range reqs {
			visit(req)
		}
		visiting[id] = false
		done[id] = true
		result = append(result, id)
	}
	for _, id := range byPriority {
		visit(id)
	}
	return result
}
