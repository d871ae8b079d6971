package param

import (
	"fmt"
	"strings"
	"sync"

	"github.com/c360/synthiot/errors"
)

// PathSeparator separates group and parameter ids in a path
const PathSeparator = "/"

// Group is a named container of parameters and child groups. Groups are
// created through their parent, so the tree has no cycles and every group
// has at most one parent.
type Group struct {
	id      string
	name    string
	path    string
	parent  *Group
	manager *Manager

	mu       sync.RWMutex
	params   []Parameter
	byID     map[string]Parameter
	children []*Group
	childIdx map[string]*Group
}

func newGroup(m *Manager, parent *Group, id, name string) *Group {
	g := &Group{
		id:       id,
		name:     name,
		parent:   parent,
		manager:  m,
		byID:     make(map[string]Parameter),
		childIdx: make(map[string]*Group),
	}
	if g.name == "" {
		g.name = id
	}
	g.path = parent.childPath(id)
	return g
}

// childPath is the path of an entry with the given id inside g
func (g *Group) childPath(id string) string {
	if g == nil || g.path == "" {
		return id
	}
	return g.path + PathSeparator + id
}

// ID returns the group id; the root group's id is empty
func (g *Group) ID() string { return g.id }

// Name returns the display name
func (g *Group) Name() string { return g.name }

// Path returns the slash-separated path from the root
func (g *Group) Path() string { return g.path }

// Parent returns the parent group, nil for the root
func (g *Group) Parent() *Group { return g.parent }

func validID(id string) bool {
	return id != "" && !strings.Contains(id, PathSeparator)
}

// AddGroup creates a child group. Ids are unique among siblings.
func (g *Group) AddGroup(id, name string) (*Group, error) {
	if !validID(id) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: group id %q", errors.ErrInvalidValue, id), "Group", "AddGroup", "validate id")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.childIdx[id]; exists {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrDuplicateGroup, g.childPath(id)), "Group", "AddGroup", "add group")
	}
	child := newGroup(g.manager, g, id, name)
	g.children = append(g.children, child)
	g.childIdx[id] = child
	return child, nil
}

// Group returns the direct child with the given id
func (g *Group) Group(id string) *Group {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.childIdx[id]
}

// GroupByPath walks a slash-separated path of child groups
func (g *Group) GroupByPath(path string) *Group {
	cur := g
	for _, seg := range strings.Split(path, PathSeparator) {
		if seg == "" {
			continue
		}
		if cur = cur.Group(seg); cur == nil {
			return nil
		}
	}
	return cur
}

// Groups returns the child groups in creation order
func (g *Group) Groups() []*Group {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Group(nil), g.children...)
}

// AddParameter places p in this group and registers it with the manager.
// A parameter belongs to exactly one group.
func (g *Group) AddParameter(p Parameter) error {
	if p == nil || !validID(p.ID()) {
		return errors.WrapInvalid(fmt.Errorf("%w: parameter id", errors.ErrInvalidValue), "Group", "AddParameter", "validate parameter")
	}
	b := p.core()
	if !b.owned.CompareAndSwap(false, true) {
		return errors.WrapInvalid(fmt.Errorf("%w: %s already belongs to a group", errors.ErrDuplicateParameter, p.Path()),
			"Group", "AddParameter", "claim parameter")
	}

	g.mu.Lock()
	if _, exists := g.byID[p.ID()]; exists {
		g.mu.Unlock()
		b.owned.Store(false)
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrDuplicateParameter, g.childPath(p.ID())), "Group", "AddParameter", "add parameter")
	}
	b.setPath(g.childPath(p.ID()))
	g.params = append(g.params, p)
	g.byID[p.ID()] = p
	g.mu.Unlock()

	if g.manager == nil {
		return nil
	}
	if err := g.manager.register(p); err != nil {
		g.detach(p.ID())
		return err
	}
	return nil
}

// detach removes a parameter from the group without touching the manager
// and returns it with the path it had.
func (g *Group) detach(id string) (Parameter, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.byID[id]
	if !ok {
		return nil, ""
	}
	path := p.Path()
	delete(g.byID, id)
	for i, q := range g.params {
		if q == p {
			g.params = append(g.params[:i:i], g.params[i+1:]...)
			break
		}
	}
	release(p)
	return p, path
}

func release(p Parameter) {
	b := p.core()
	b.setPath(p.ID())
	b.owned.Store(false)
}

// AddFloat creates a Float parameter in this group
func (g *Group) AddFloat(id, name string, min, max, def float64, opts ...Option) (*FloatParameter, error) {
	p, err := NewFloat(id, name, min, max, def, opts...)
	if err != nil {
		return nil, err
	}
	return p, g.AddParameter(p)
}

// AddInt creates an Int parameter in this group
func (g *Group) AddInt(id, name string, min, max, def int, opts ...Option) (*IntParameter, error) {
	p, err := NewInt(id, name, min, max, def, opts...)
	if err != nil {
		return nil, err
	}
	return p, g.AddParameter(p)
}

// AddBool creates a Bool parameter in this group
func (g *Group) AddBool(id, name string, def bool, opts ...Option) (*BoolParameter, error) {
	p, err := NewBool(id, name, def, opts...)
	if err != nil {
		return nil, err
	}
	return p, g.AddParameter(p)
}

// AddEnum creates an Enum parameter in this group
func (g *Group) AddEnum(id, name string, entries []EnumEntry, def int, opts ...Option) (*EnumParameter, error) {
	p, err := NewEnum(id, name, entries, def, opts...)
	if err != nil {
		return nil, err
	}
	return p, g.AddParameter(p)
}

// AddTrigger creates a Trigger parameter in this group
func (g *Group) AddTrigger(id, name string, opts ...Option) (*TriggerParameter, error) {
	p, err := NewTrigger(id, name, opts...)
	if err != nil {
		return nil, err
	}
	return p, g.AddParameter(p)
}

// Parameter returns the direct parameter with the given id
func (g *Group) Parameter(id string) Parameter {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.byID[id]
}

// ParameterByPath walks "a/b/param" from g and returns the parameter, or
// nil when any step is missing.
func (g *Group) ParameterByPath(path string) Parameter {
	idx := strings.LastIndex(path, PathSeparator)
	if idx < 0 {
		return g.Parameter(path)
	}
	owner := g.GroupByPath(path[:idx])
	if owner == nil {
		return nil
	}
	return owner.Parameter(path[idx+1:])
}

// Parameters returns the direct parameters in insertion order
func (g *Group) Parameters() []Parameter {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Parameter(nil), g.params...)
}

// RemoveParameter removes a direct parameter and unregisters it
func (g *Group) RemoveParameter(id string) bool {
	p, path := g.detach(id)
	if p == nil {
		return false
	}
	if g.manager != nil {
		g.manager.unregister(path, p)
	}
	return true
}

// RemoveGroup removes a child group and unregisters everything beneath it
func (g *Group) RemoveGroup(id string) bool {
	g.mu.Lock()
	child, ok := g.childIdx[id]
	if ok {
		delete(g.childIdx, id)
		for i, c := range g.children {
			if c == child {
				g.children = append(g.children[:i:i], g.children[i+1:]...)
				break
			}
		}
	}
	g.mu.Unlock()
	if !ok {
		return false
	}

	child.Walk(func(p Parameter) {
		if g.manager != nil {
			g.manager.unregister(p.Path(), p)
		}
		release(p)
	})
	return true
}

// Walk visits every parameter beneath g depth first: a group's own
// parameters before its children.
func (g *Group) Walk(fn func(Parameter)) {
	for _, p := range g.Parameters() {
		fn(p)
	}
	for _, c := range g.Groups() {
		c.Walk(fn)
	}
}
