//go:build !unix

package jit

import "github.com/mass-lang/massc/internal/diag"

func mapWritable(size int) ([]byte, error) {
	return nil, diag.New(diag.KindUnimplemented, diag.CategoryLinker,
		"jit execution is only supported on unix-like hosts")
}

func protectExecutable(mapping []byte) error {
	return diag.New(diag.KindUnimplemented, diag.CategoryLinker,
		"jit execution is only supported on unix-like hosts")
}

func releaseMapping(mapping []byte) error { return nil }
