// audio/controller.go
package audio

import "sync"

// Role is the half of the stream a client currently owns.
type Role string

const (
	RoleNone     Role = ""
	RoleSender   Role = "sender"
	RoleListener Role = "listener"
)

// controller holds a single active role; claiming the other role fails until
// the current one is released.
type controller struct {
	mu   sync.Mutex
	role Role
}

// NewController returns a Controller with no active role.
func NewController() Controller {
	return &controller{}
}

func (c *controller) claim(r Role) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != RoleNone && c.role != r {
		return false
	}
	c.role = r
	return true
}

func (c *controller) release(r Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role == r {
		c.role = RoleNone
	}
}

func (c *controller) holds(r Role) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role == r
}

func (c *controller) StartSending() bool   { return c.claim(RoleSender) }
func (c *controller) StopSending()         { c.release(RoleSender) }
func (c *controller) StartReceiving() bool { return c.claim(RoleListener) }
func (c *controller) StopReceiving()       { c.release(RoleListener) }
func (c *controller) IsSending() bool      { return c.holds(RoleSender) }
func (c *controller) IsReceiving() bool    { return c.holds(RoleListener) }

// Role reports the active role.
func (c *controller) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}
