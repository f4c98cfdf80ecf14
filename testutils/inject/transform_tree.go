// Package inject provides stand-ins whose behavior can be overridden per test.
package inject

import (
	"time"

	"go.viam.com/targetfusion/referenceframe"
)

// TransformTree is an injected transform tree.
type TransformTree struct {
	*referenceframe.TransformTree
	LookupFunc func(target, source string, at time.Time) (referenceframe.StampedTransform, error)
	InsertFunc func(tf referenceframe.StampedTransform) error
}

// NewTransformTree wraps a real tree so unset funcs fall through to it.
func NewTransformTree(tree *referenceframe.TransformTree) *TransformTree {
	return &TransformTree{TransformTree: tree}
}

// Lookup calls the injected Lookup or the real version.
func (tt *TransformTree) Lookup(target, source string, at time.Time) (referenceframe.StampedTransform, error) {
	if tt.LookupFunc == nil {
		return tt.TransformTree.Lookup(target, source, at)
	}
	return tt.LookupFunc(target, source, at)
}

// Insert calls the injected Insert or the real version.
func (tt *TransformTree) Insert(tf referenceframe.StampedTransform) error {
	if tt.InsertFunc == nil {
		return tt.TransformTree.Insert(tf)
	}
	return tt.InsertFunc(tf)
}
