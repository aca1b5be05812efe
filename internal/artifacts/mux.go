package artifacts

import (
	"context"
	"fmt"
)

// Mux writes into a primary store and resolves references by scheme.
type Mux struct {
	primary Store
	stores  map[string]Store
}

var _ Store = (*Mux)(nil)

// NewMux builds a Mux; the primary store receives all Put calls.
func NewMux(primary Store, others ...Store) *Mux {
	m := &Mux{primary: primary, stores: map[string]Store{}}
	for _, s := range append(others, primary) {
		if s != nil {
			m.stores[s.Scheme()] = s
		}
	}
	return m
}

func (m *Mux) Scheme() string {
	return m.primary.Scheme()
}

func (m *Mux) Put(ctx context.Context, key, srcPath string, kind ArtifactKind, metadata map[string]any) (Artifact, error) {
	return m.primary.Put(ctx, key, srcPath, kind, metadata)
}

func (m *Mux) Fetch(ctx context.Context, uri, destPath string) error {
	store, err := m.route(uri)
	if err != nil {
		return err
	}
	return store.Fetch(ctx, NormalizeURI(uri), destPath)
}

func (m *Mux) Remove(ctx context.Context, uri string) error {
	store, err := m.route(uri)
	if err != nil {
		return err
	}
	return store.Remove(ctx, NormalizeURI(uri))
}

func (m *Mux) route(uri string) (Store, error) {
	scheme := SchemeOf(uri)
	store, ok := m.stores[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	return store, nil
}
