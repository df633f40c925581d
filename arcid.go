// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist

import "fmt"

// ArcID identifies one relationship of one object. It is used to record a
// relationship change that must be flushed on commit. Two ArcIDs are equal
// only when both the source and the relationship name match.
type ArcID struct {
	Source       ObjectID
	Relationship string
}

func (a ArcID) String() string {
	return fmt.Sprintf("%s.%s", a.Source, a.Relationship)
}
