//go:build !unix

package block

func mapGuarded(int) ([]byte, func() error, error) {
	return nil, nil, ErrGuardUnsupported
}
