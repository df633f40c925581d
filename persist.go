// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package persist implements the identity, caching and unit-of-work core of
// an object persistence runtime. A Runtime owns a shared RowStore of row
// snapshots and a set of DataNodes; every ObjectContext created from it keeps
// its own identity map (ObjectStore) of live objects, tracks their changes,
// and commits them to the nodes inside a Transaction carried by a
// context.Context.
package persist

import (
	"github.com/featurebasedb/persist/errors"
	"github.com/featurebasedb/persist/pool"
)

// Error codes returned by this package. Test for them with errors.Is.
const (
	ErrInvalidObjectID  errors.Code = "InvalidObjectID"
	ErrCommitFailed     errors.Code = "CommitFailed"
	ErrValidation       errors.Code = "ValidationFailed"
	ErrValidationLoop   errors.Code = "ValidationLoop"
	ErrRollbackOnly     errors.Code = "RollbackOnly"
	ErrTransactionBound errors.Code = "TransactionBound"
	ErrTransactionState errors.Code = "TransactionState"
	ErrUnknownEntity    errors.Code = "UnknownEntity"
	ErrUnknownNode      errors.Code = "UnknownNode"
	ErrObjectNotFound   errors.Code = "ObjectNotFound"
	ErrContextMismatch  errors.Code = "ContextMismatch"
	ErrMissingPK        errors.Code = "MissingPK"
	ErrInvalidEntity    errors.Code = "InvalidEntity"
	ErrContextClosed    errors.Code = "ContextClosed"
	ErrMultipleObjects  errors.Code = "MultipleObjects"

	ErrPoolTimeout = pool.ErrPoolTimeout
)
