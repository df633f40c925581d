// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist

import (
	"context"

	"github.com/featurebasedb/persist/errors"
)

// NewObjectAs is like ObjectContext.NewObject but returns the concrete type.
func NewObjectAs[T Persistent](oc *ObjectContext, entity string) (T, error) {
	var zero T
	obj, err := oc.NewObject(entity)
	if err != nil {
		return zero, err
	}
	return as[T](obj)
}

// SelectAs is like ObjectContext.Select but returns the concrete type. Every
// selected object must be a T.
func SelectAs[T Persistent](ctx context.Context, oc *ObjectContext, q *ObjectSelect) ([]T, error) {
	objs, err := oc.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(objs))
	for _, obj := range objs {
		t, err := as[T](obj)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ObjectForPKAs is like ObjectContext.ObjectForPK but returns the concrete
// type.
func ObjectForPKAs[T Persistent](ctx context.Context, oc *ObjectContext, entity string, pk interface{}) (T, error) {
	var zero T
	obj, err := oc.ObjectForPK(ctx, entity, pk)
	if err != nil {
		return zero, err
	}
	return as[T](obj)
}

func as[T Persistent](obj Persistent) (T, error) {
	t, ok := obj.(T)
	if !ok {
		var zero T
		return zero, errors.Newf(ErrInvalidEntity, "%s is a %T, not a %T", obj.ObjectID(), obj, zero)
	}
	return t, nil
}
