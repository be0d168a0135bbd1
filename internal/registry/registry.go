package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"go.uber.org/zap"
)

// ErrArtifactNotFound is returned when the registry has no manifest for the
// requested reference.
var ErrArtifactNotFound = errors.New("artifact not found")

// ResolvedArtifact is an artifact reference pinned to a content digest at
// resolve time, so every later operation in an attempt deploys the exact same
// bytes even if the tag moves.
type ResolvedArtifact struct {
	Ref    string // reference as supplied by the caller
	Digest string // content digest, e.g. sha256:...
	Image  string // fully qualified reference pinned by digest
}

// Source resolves an opaque artifact reference into a deployable artifact.
type Source interface {
	Resolve(ctx context.Context, ref string) (*ResolvedArtifact, error)
}

// OCIResolver resolves references against an OCI registry over the v2 API.
type OCIResolver struct {
	// DefaultRegistry is prepended to bare references ("app:1.2.3").
	DefaultRegistry string
}

var _ Source = (*OCIResolver)(nil)

func (r *OCIResolver) Resolve(ctx context.Context, ref string) (*ResolvedArtifact, error) {
	opts := []name.Option{}
	if r.DefaultRegistry != "" {
		opts = append(opts, name.WithDefaultRegistry(r.DefaultRegistry))
	}
	parsed, err := name.ParseReference(ref, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid artifact reference %q: %w", ref, err)
	}

	desc, err := remote.Head(parsed,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	)
	if err != nil {
		var terr *transport.Error
		if errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
		}
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}

	pinned := parsed.Context().Digest(desc.Digest.String())
	zap.S().Debugf("Resolved artifact %s to %s", ref, desc.Digest)

	return &ResolvedArtifact{
		Ref:    ref,
		Digest: desc.Digest.String(),
		Image:  pinned.String(),
	}, nil
}

// StaticResolver treats every reference as already pinned. Useful for
// air-gapped setups and tests where no registry is reachable.
type StaticResolver struct{}

var _ Source = (*StaticResolver)(nil)

func (StaticResolver) Resolve(_ context.Context, ref string) (*ResolvedArtifact, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrArtifactNotFound)
	}
	return &ResolvedArtifact{Ref: ref, Image: ref}, nil
}
