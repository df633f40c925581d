// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist

import (
	"reflect"
	"sort"

	"github.com/featurebasedb/persist/errors"
)

// Join pairs a column of the source entity's table with a column of the
// target entity's table.
type Join struct {
	Source string
	Target string
}

// Relationship describes a link from one entity to another. A to-one
// relationship holds a foreign key: each Join's Source is a column of the
// source table and its Target is a primary key column of the target. A
// to-many relationship is the inverse of a to-one relationship of the target
// entity, named by Reverse.
type Relationship struct {
	Name    string
	Target  string
	Joins   []Join
	ToMany  bool
	Reverse string
}

// Entity maps a persistent type to a table of a data node.
//
// Subentities set Super and share the table, primary key and node of their
// hierarchy root; rows of the table are told apart by the root's
// Discriminator column, whose value for each concrete entity is its
// DiscriminatorValue. An entity with a nil New is abstract and cannot be
// instantiated.
type Entity struct {
	Name               string
	Node               string
	Table              string
	PrimaryKey         []string
	Attributes         []string
	Relationships      []*Relationship
	Super              string
	Discriminator      string
	DiscriminatorValue interface{}
	New                func() Persistent

	// Resolved by NewEntityResolver.
	root     *Entity
	super    *Entity
	subs     []*Entity
	attrs    []string
	rels     map[string]*Relationship
	relNames []string
}

// Root returns the root of the entity's inheritance hierarchy.
func (e *Entity) Root() *Entity {
	if e.root == nil {
		return e
	}
	return e.root
}

// IsA reports whether e is other or one of its subentities.
func (e *Entity) IsA(other *Entity) bool {
	for x := e; x != nil; x = x.super {
		if x == other {
			return true
		}
	}
	return false
}

// AllAttributes returns the attribute columns of e, including inherited ones.
func (e *Entity) AllAttributes() []string { return e.attrs }

// Relationship returns a relationship by name, including inherited ones.
func (e *Entity) Relationship(name string) (*Relationship, bool) {
	r, ok := e.rels[name]
	return r, ok
}

// ToOneRelationships returns the to-one relationships of e in name order.
func (e *Entity) ToOneRelationships() []*Relationship {
	var out []*Relationship
	for _, name := range e.relNames {
		if r := e.rels[name]; !r.ToMany {
			out = append(out, r)
		}
	}
	return out
}

// concreteValues returns the discriminator values of e and of every concrete
// subentity below it.
func (e *Entity) concreteValues() []interface{} {
	var out []interface{}
	if e.New != nil && e.DiscriminatorValue != nil {
		out = append(out, e.DiscriminatorValue)
	}
	for _, sub := range e.subs {
		out = append(out, sub.concreteValues()...)
	}
	return out
}

// EntityResolver indexes a set of entities and resolves the concrete entity
// of a row from its discriminator value.
type EntityResolver struct {
	entities map[string]*Entity
	byType   map[reflect.Type]*Entity
	byValue  map[string]map[string]*Entity // root name -> discriminator key -> entity
}

// NewEntityResolver validates entities and links their hierarchies.
func NewEntityResolver(entities ...*Entity) (*EntityResolver, error) {
	r := &EntityResolver{
		entities: make(map[string]*Entity),
		byType:   make(map[reflect.Type]*Entity),
		byValue:  make(map[string]map[string]*Entity),
	}
	for _, e := range entities {
		if e.Name == "" {
			return nil, errors.New(ErrInvalidEntity, "entity name is required")
		}
		if _, ok := r.entities[e.Name]; ok {
			return nil, errors.Newf(ErrInvalidEntity, "duplicate entity %s", e.Name)
		}
		r.entities[e.Name] = e
		e.root, e.super, e.subs, e.attrs, e.rels, e.relNames = nil, nil, nil, nil, nil, nil
	}

	for _, e := range entities {
		if e.Super == "" {
			continue
		}
		super, ok := r.entities[e.Super]
		if !ok {
			return nil, errors.Newf(ErrUnknownEntity, "%s extends unknown entity %s", e.Name, e.Super)
		}
		e.super = super
		super.subs = append(super.subs, e)
	}

	done := make(map[*Entity]bool)
	for _, e := range entities {
		if err := r.resolve(e, done, 0); err != nil {
			return nil, err
		}
	}
	for _, e := range entities {
		for _, rel := range e.rels {
			target, ok := r.entities[rel.Target]
			if !ok {
				return nil, errors.Newf(ErrUnknownEntity, "relationship %s.%s targets unknown entity %s", e.Name, rel.Name, rel.Target)
			}
			if rel.ToMany {
				back, ok := target.rels[rel.Reverse]
				if !ok || back.ToMany {
					return nil, errors.Newf(ErrInvalidEntity, "to-many relationship %s.%s needs a to-one reverse on %s", e.Name, rel.Name, target.Name)
				}
			} else if len(rel.Joins) == 0 {
				return nil, errors.Newf(ErrInvalidEntity, "to-one relationship %s.%s has no joins", e.Name, rel.Name)
			}
		}
	}
	return r, nil
}

func (r *EntityResolver) resolve(e *Entity, done map[*Entity]bool, depth int) error {
	if done[e] {
		return nil
	}
	if depth > len(r.entities) {
		return errors.Newf(ErrInvalidEntity, "inheritance cycle at %s", e.Name)
	}

	e.rels = make(map[string]*Relationship)
	if e.super == nil {
		if e.Table == "" || e.Node == "" {
			return errors.Newf(ErrInvalidEntity, "entity %s needs a table and a node", e.Name)
		}
		if len(e.PrimaryKey) == 0 {
			return errors.Newf(ErrMissingPK, "entity %s has no primary key", e.Name)
		}
		e.root = e
	} else {
		if err := r.resolve(e.super, done, depth+1); err != nil {
			return err
		}
		root := e.super.root
		if root.Discriminator == "" {
			return errors.Newf(ErrInvalidEntity, "hierarchy %s has no discriminator column", root.Name)
		}
		e.root = root
		e.Table, e.Node, e.PrimaryKey = root.Table, root.Node, root.PrimaryKey
		e.attrs = append(e.attrs, e.super.attrs...)
		for name, rel := range e.super.rels {
			e.rels[name] = rel
		}
	}
	e.attrs = append(e.attrs, e.Attributes...)
	for _, rel := range e.Relationships {
		e.rels[rel.Name] = rel
	}
	for name := range e.rels {
		e.relNames = append(e.relNames, name)
	}
	sort.Strings(e.relNames)

	done[e] = true

	if e.New != nil {
		r.byType[reflect.TypeOf(e.New())] = e
		if e.DiscriminatorValue != nil {
			m := r.byValue[e.root.Name]
			if m == nil {
				m = make(map[string]*Entity)
				r.byValue[e.root.Name] = m
			}
			key := discriminatorKey(e.DiscriminatorValue)
			if other, ok := m[key]; ok {
				return errors.Newf(ErrInvalidEntity, "%s and %s share discriminator value %v", other.Name, e.Name, e.DiscriminatorValue)
			}
			m[key] = e
		}
	}
	return nil
}

// Entity returns an entity by name.
func (r *EntityResolver) Entity(name string) (*Entity, error) {
	e, ok := r.entities[name]
	if !ok {
		return nil, errors.Newf(ErrUnknownEntity, "unknown entity %q", name)
	}
	return e, nil
}

// Entities returns every entity, sorted by name.
func (r *EntityResolver) Entities() []*Entity {
	out := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EntityOf returns the entity whose New constructor produces values of the
// dynamic type of p.
func (r *EntityResolver) EntityOf(p Persistent) (*Entity, error) {
	e, ok := r.byType[reflect.TypeOf(p)]
	if !ok {
		return nil, errors.Newf(ErrUnknownEntity, "no entity maps type %T", p)
	}
	return e, nil
}

// Resolve returns the concrete entity of a row of e's hierarchy, chosen by
// the discriminator value in snap. Entities without a discriminator resolve
// to e itself. A row with an unknown discriminator value resolves to e.
func (r *EntityResolver) Resolve(e *Entity, snap *Snapshot) *Entity {
	root := e.Root()
	if root.Discriminator == "" {
		return e
	}
	v, ok := snap.Get(root.Discriminator)
	if !ok || v == nil {
		return e
	}
	if concrete, ok := r.byValue[root.Name][discriminatorKey(v)]; ok {
		return concrete
	}
	return e
}

// IDForRow builds the ObjectID of a row of e's hierarchy.
func (e *Entity) IDForRow(row func(col string) (interface{}, bool)) (ObjectID, error) {
	root := e.Root()
	values := make(map[string]interface{}, len(root.PrimaryKey))
	for _, col := range root.PrimaryKey {
		v, ok := row(col)
		if !ok {
			return ObjectID{}, errors.Newf(ErrMissingPK, "row of %s lacks primary key column %s", root.Name, col)
		}
		values[col] = v
	}
	return NewCompoundObjectID(root.Name, values)
}

// NewID builds the ObjectID of e's hierarchy for a single-column primary key.
func (e *Entity) NewID(pk interface{}) (ObjectID, error) {
	root := e.Root()
	if len(root.PrimaryKey) != 1 {
		return ObjectID{}, errors.Newf(ErrInvalidObjectID, "%s has a compound primary key", root.Name)
	}
	return NewObjectID(root.Name, root.PrimaryKey[0], pk)
}
