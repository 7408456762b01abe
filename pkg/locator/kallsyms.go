// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package locator

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const defaultKallsymsPath = "/proc/kallsyms"

// KallsymsResolver resolves symbols by walking /proc/kallsyms, the
// user-space counterpart of a kallsyms_lookup_name probe. With
// kptr_restrict in effect the kernel exposes the symbol with a zeroed
// address, which surfaces as ErrPermissionDenied rather than a bogus
// zero target.
type KallsymsResolver struct {
	path string
}

// NewKallsymsResolver creates a resolver over path; an empty path uses
// /proc/kallsyms.
func NewKallsymsResolver(path string) *KallsymsResolver {
	if path == "" {
		path = defaultKallsymsPath
	}
	return &KallsymsResolver{path: path}
}

func (r *KallsymsResolver) Resolve(ctx context.Context, symbol string) (uintptr, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsPermission(err) {
			return 0, fmt.Errorf("%w: open %s: %v", ErrPermissionDenied, r.path, err)
		}
		return 0, fmt.Errorf("%w: open %s: %v", ErrNotFound, r.path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		if line%4096 == 0 {
			// The walk is bounded: a cancelled or expired context fails
			// closed instead of scanning the rest of the table.
			select {
			case <-ctx.Done():
				return 0, fmt.Errorf("%w: kallsyms walk aborted: %v", ErrNotFound, ctx.Err())
			default:
			}
		}

		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || fields[2] != symbol {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: malformed kallsyms line %d: %v", ErrNotFound, line, err)
		}
		if addr == 0 {
			return 0, fmt.Errorf("%w: %s address masked (kptr_restrict)", ErrPermissionDenied, symbol)
		}
		return uintptr(addr), nil
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("%w: read %s: %v", ErrNotFound, r.path, err)
	}
	return 0, fmt.Errorf("%w: symbol %q not in %s", ErrNotFound, symbol, r.path)
}
