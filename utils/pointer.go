// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package utils

// Pointer returns a pointer to the given value.
// Usage:
//
//	ptr := utils.Pointer(int64(42)) // *int64 pointing to 42
func Pointer[T any](val T) *T {
	return &val
}

// Dereference returns the value behind ptr, or the zero value of T
// if the pointer is nil.
// Usage:
//
//	val := utils.Dereference(ptr) // value pointed by ptr, or zero of T
func Dereference[T any](ptr *T) T {
	var val T
	if ptr != nil {
		val = *ptr
	}
	return val
}
