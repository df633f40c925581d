// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package test holds fixtures shared by the tests of persist and its nodes:
// a small entity map, a memnode-backed runtime, and decorators that count,
// record, block or fail operations.
package test

import (
	"github.com/featurebasedb/persist"
)

// NodeName is the data node every fixture entity is mapped to.
const NodeName = "db"

// Artist has many paintings.
type Artist struct {
	persist.Object
}

func (a *Artist) Name() string     { s, _ := a.Get("ARTIST_NAME").(string); return s }
func (a *Artist) SetName(v string) { a.Set("ARTIST_NAME", v) }
func (a *Artist) SetID(id int64)   { a.Set("ARTIST_ID", id) }

// Painting belongs to an artist and optionally hangs in a gallery. OnValidate,
// when set, is called by ValidateForSave.
type Painting struct {
	persist.Object
	OnValidate func(p *Painting, r *persist.ValidationResult)
}

func (p *Painting) Title() string     { s, _ := p.Get("PAINTING_TITLE").(string); return s }
func (p *Painting) SetTitle(v string) { p.Set("PAINTING_TITLE", v) }
func (p *Painting) SetID(id int64)    { p.Set("PAINTING_ID", id) }

func (p *Painting) SetArtist(a *Artist) error {
	if a == nil {
		return p.SetToOne("toArtist", nil)
	}
	return p.SetToOne("toArtist", a)
}

func (p *Painting) SetGallery(g *Gallery) error {
	if g == nil {
		return p.SetToOne("toGallery", nil)
	}
	return p.SetToOne("toGallery", g)
}

func (p *Painting) ValidateForSave(r *persist.ValidationResult) {
	if p.OnValidate != nil {
		p.OnValidate(p, r)
	}
}

// Gallery requires a name.
type Gallery struct {
	persist.Object
}

func (g *Gallery) Name() string     { s, _ := g.Get("GALLERY_NAME").(string); return s }
func (g *Gallery) SetName(v string) { g.Set("GALLERY_NAME", v) }

func (g *Gallery) ValidateForSave(r *persist.ValidationResult) {
	if g.Name() == "" {
		r.AddFailure(g, "GALLERY_NAME", "is required")
	}
}

// Employee is a concrete person stored with discriminator "EE".
type Employee struct {
	persist.Object
}

func (e *Employee) Name() string     { s, _ := e.Get("NAME").(string); return s }
func (e *Employee) SetName(v string) { e.Set("NAME", v) }

// Manager is an employee stored with discriminator "EM".
type Manager struct {
	Employee
}

// Department is managed by a manager.
type Department struct {
	persist.Object
}

func (d *Department) SetName(v string) { d.Set("NAME", v) }

func (d *Department) SetManager(m *Manager) error {
	if m == nil {
		return d.SetToOne("toManager", nil)
	}
	return d.SetToOne("toManager", m)
}

// Entities returns a fresh copy of the fixture entity map.
func Entities() []*persist.Entity {
	return []*persist.Entity{
		{
			Name:       "Artist",
			Node:       NodeName,
			Table:      "ARTIST",
			PrimaryKey: []string{"ARTIST_ID"},
			Attributes: []string{"ARTIST_NAME"},
			Relationships: []*persist.Relationship{
				{Name: "paintings", Target: "Painting", ToMany: true, Reverse: "toArtist"},
			},
			New: func() persist.Persistent { return &Artist{} },
		},
		{
			Name:       "Painting",
			Node:       NodeName,
			Table:      "PAINTING",
			PrimaryKey: []string{"PAINTING_ID"},
			Attributes: []string{"PAINTING_TITLE", "ESTIMATED_PRICE"},
			Relationships: []*persist.Relationship{
				{Name: "toArtist", Target: "Artist", Joins: []persist.Join{{Source: "ARTIST_ID", Target: "ARTIST_ID"}}},
				{Name: "toGallery", Target: "Gallery", Joins: []persist.Join{{Source: "GALLERY_ID", Target: "GALLERY_ID"}}},
			},
			New: func() persist.Persistent { return &Painting{} },
		},
		{
			Name:       "Gallery",
			Node:       NodeName,
			Table:      "GALLERY",
			PrimaryKey: []string{"GALLERY_ID"},
			Attributes: []string{"GALLERY_NAME"},
			Relationships: []*persist.Relationship{
				{Name: "paintings", Target: "Painting", ToMany: true, Reverse: "toGallery"},
			},
			New: func() persist.Persistent { return &Gallery{} },
		},
		{
			Name:          "Person",
			Node:          NodeName,
			Table:         "PERSON",
			PrimaryKey:    []string{"PERSON_ID"},
			Attributes:    []string{"NAME"},
			Discriminator: "PERSON_TYPE",
		},
		{
			Name:               "Employee",
			Super:              "Person",
			Attributes:         []string{"SALARY"},
			DiscriminatorValue: "EE",
			Relationships: []*persist.Relationship{
				{Name: "toDepartment", Target: "Department", Joins: []persist.Join{{Source: "DEPARTMENT_ID", Target: "DEPARTMENT_ID"}}},
			},
			New: func() persist.Persistent { return &Employee{} },
		},
		{
			Name:               "Manager",
			Super:              "Employee",
			DiscriminatorValue: "EM",
			Relationships: []*persist.Relationship{
				{Name: "managedDepartments", Target: "Department", ToMany: true, Reverse: "toManager"},
			},
			New: func() persist.Persistent { return &Manager{} },
		},
		{
			Name:       "Department",
			Node:       NodeName,
			Table:      "DEPARTMENT",
			PrimaryKey: []string{"DEPARTMENT_ID"},
			Attributes: []string{"NAME"},
			Relationships: []*persist.Relationship{
				{Name: "toManager", Target: "Manager", Joins: []persist.Join{{Source: "MANAGER_ID", Target: "PERSON_ID"}}},
				{Name: "employees", Target: "Employee", ToMany: true, Reverse: "toDepartment"},
			},
			New: func() persist.Persistent { return &Department{} },
		},
	}
}
