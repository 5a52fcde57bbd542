//go:build !unix

package rawio

func errnoKind(err error) error { return nil }

func isTransient(err error) bool { return false }
