package backend

import (
	"sync"

	"go.uber.org/zap"
)

// Extension contributes additional methods to the facade. Extensions are
// registered at init time and applied at startup and on reload, so a
// reload picks up changed extension state.
type Extension func(f *Facade) []*MethodDescriptor

type namedExtension struct {
	name string
	ext  Extension
}

var (
	extMu      sync.Mutex
	extensions []namedExtension
)

// RegisterExtension makes an extension available to every facade.
func RegisterExtension(name string, ext Extension) {
	extMu.Lock()
	defer extMu.Unlock()
	extensions = append(extensions, namedExtension{name: name, ext: ext})
}

// LoadExtensions applies all registered extensions. Methods overriding a
// built-in keep working but are logged.
func (f *Facade) LoadExtensions() {
	extMu.Lock()
	exts := make([]namedExtension, len(extensions))
	copy(exts, extensions)
	extMu.Unlock()

	for _, e := range exts {
		for _, desc := range e.ext(f) {
			if overridden := f.registry.Register(desc); overridden {
				f.logger.Warn("Extension overrides existing method",
					zap.String("extension", e.name),
					zap.String("method", desc.Name),
				)
			}
		}
		f.logger.Info("Extension loaded", zap.String("extension", e.name))
	}
}
