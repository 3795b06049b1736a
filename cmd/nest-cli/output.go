package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Klingon-tech/timelocknest/pkg/types"
)

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// parseOwners splits a comma-separated owner list.
func parseOwners(s string) ([]types.Address, error) {
	var owners []types.Address
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := types.ParseAddress(part)
		if err != nil {
			return nil, fmt.Errorf("owner %q: %w", part, err)
		}
		owners = append(owners, addr)
	}
	if len(owners) == 0 {
		return nil, fmt.Errorf("at least one owner is required")
	}
	return owners, nil
}

// parseUnlockTime accepts unix seconds, an RFC 3339 timestamp, or a
// duration relative to now prefixed with "+" (e.g. "+72h").
func parseUnlockTime(s string, now time.Time) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "+") {
		d, err := time.ParseDuration(s[1:])
		if err != nil {
			return 0, fmt.Errorf("unlock offset: %w", err)
		}
		if d < 0 {
			return 0, fmt.Errorf("unlock offset must not be negative")
		}
		return uint64(now.Add(d).Unix()), nil
	}
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("unlock time %q: want unix seconds, RFC 3339 or +duration", s)
	}
	if t.Unix() < 0 {
		return 0, fmt.Errorf("unlock time %q is before 1970", s)
	}
	return uint64(t.Unix()), nil
}

func formatUnix(sec uint64) string {
	if sec == 0 {
		return "-"
	}
	return time.Unix(int64(sec), 0).UTC().Format(time.RFC3339)
}
