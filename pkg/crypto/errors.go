package crypto

import "errors"

var errInvalidHashLength = errors.New("crypto: invalid hash length")
