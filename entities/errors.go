//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package entities

import "errors"

// Sentinel categories surfaced by the store. Callers compare with
// errors.Is, as operations wrap them with positional context.
var (
	NotFound         = errors.New("not found")
	AlreadyExists    = errors.New("already exists")
	CompareMismatch  = errors.New("compare mismatch")
	CapacityExceeded = errors.New("capacity exceeded")
	Corrupt          = errors.New("corrupt")
	Config           = errors.New("invalid config")
)

func IsNotFound(err error) bool {
	return errors.Is(err, NotFound)
}
