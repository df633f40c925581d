// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package errors_test

import (
	"io"
	"testing"

	"github.com/featurebasedb/persist/errors"
	"github.com/stretchr/testify/assert"
)

const (
	errCodeA errors.Code = "CodeA"
	errCodeB errors.Code = "CodeB"
)

func TestIs(t *testing.T) {
	err := errors.New(errCodeA, "a happened")

	t.Run("direct", func(t *testing.T) {
		assert.True(t, errors.Is(err, errCodeA))
		assert.False(t, errors.Is(err, errCodeB))
	})

	t.Run("wrapped", func(t *testing.T) {
		wrapped := errors.Wrap(errors.Wrapf(err, "layer %d", 1), "layer 2")
		assert.True(t, errors.Is(wrapped, errCodeA))
		assert.Equal(t, "layer 2: layer 1: a happened", wrapped.Error())
	})

	t.Run("uncoded", func(t *testing.T) {
		assert.False(t, errors.Is(io.EOF, errCodeA))
		assert.Equal(t, errors.Code(""), errors.CodeOf(io.EOF))
	})
}

func TestWrapCode(t *testing.T) {
	assert.Nil(t, errors.WrapCode(nil, errCodeA, "nothing"))

	err := errors.WrapCode(io.ErrUnexpectedEOF, errCodeB, "reading row")
	assert.True(t, errors.Is(err, errCodeB))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, errCodeB, errors.CodeOf(err))
	assert.Equal(t, "reading row: unexpected EOF", err.Error())
}

func TestNewf(t *testing.T) {
	err := errors.Newf(errCodeA, "entity %q unknown", "Artist")
	assert.Equal(t, `entity "Artist" unknown`, err.Error())
	assert.Equal(t, errCodeA, errors.CodeOf(err))
}
