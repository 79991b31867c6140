package zvol

import (
	"path"

	"github.com/cuemby/zvol/pkg/types"
)

// Token is an opaque device identity. I/O entry points resolve tokens
// through the registry instead of holding volume pointers, so clearing a
// token detaches every consumer of that device at once.
type Token uint64

// Device is the platform representation of a volume: a block Provider or a
// character device, fixed at creation.
type Device interface {
	Token() Token
	Path() string
	Mode() types.VolMode
	isDevice()
}

// Provider is a block provider (GEOM-like). Its media size stays zero until
// the first open, which is why the first resize from zero is silent.
type Provider struct {
	token      Token
	path       string
	mediasize  uint64
	stripesize uint64
}

func (p *Provider) Token() Token        { return p.token }
func (p *Provider) Path() string        { return p.path }
func (p *Provider) Mode() types.VolMode { return types.VolModeProvider }
func (p *Provider) isDevice()           {}

// MediaSize returns the size consumers of the provider see
func (p *Provider) MediaSize() uint64 { return p.mediasize }

// CharDev is a character device node
type CharDev struct {
	token Token
	path  string
}

func (c *CharDev) Token() Token        { return c.token }
func (c *CharDev) Path() string        { return c.path }
func (c *CharDev) Mode() types.VolMode { return types.VolModeDev }
func (c *CharDev) isDevice()           {}

func devicePath(name string) string {
	return path.Join(DevicePrefix, name)
}

// newDeviceLocked allocates a device of mode for name. Callers hold the
// registry lock exclusively.
func (r *Registry) newDeviceLocked(mode types.VolMode, name string) Device {
	r.nextToken++
	switch mode {
	case types.VolModeProvider:
		return &Provider{token: r.nextToken, path: devicePath(name)}
	case types.VolModeDev:
		return &CharDev{token: r.nextToken, path: devicePath(name)}
	}
	panic("zvol: no device for volmode " + string(mode))
}
