// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package util

import (
	"bufio"
	"compress/gzip"
	"io"
)

var gzipMagic = [2]byte{0x1f, 0x8b}

// MaybeGunzipReader peeks at r's first two bytes and, if they're the gzip
// magic number, wraps r in a gzip.Reader; otherwise it returns r unchanged.
// Staged device uploads are gzip-compressed or not depending on the
// client's own choice, so the importer can't assume either way and needs
// to sniff instead of being told.
func MaybeGunzipReader(r *bufio.Reader) (io.Reader, error) {
	magic, err := r.Peek(2)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return r, nil
		}
		return nil, err
	}
	if magic[0] != gzipMagic[0] || magic[1] != gzipMagic[1] {
		return r, nil
	}
	return gzip.NewReader(r)
}
