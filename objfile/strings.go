/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Version string extraction, for builds no descriptor knows yet

package objfile

import (
	"sort"

	"golang.org/x/exp/slices"
	"rsc.io/binaryregexp"
)

// versionRe matches the release tags the game embeds, ex: v0.31.25 or v0.47.05
var versionRe = binaryregexp.MustCompile(`v0\.[0-9]{2}\.[0-9]{2}[a-z0-9_-]{0,8}`)

// isDataSection returns true if the section name suggests it contains data
func isDataSection(name string) bool {
	dataNames := []string{
		".rodata", ".data", // ELF
		"__cstring", "__const", "__data", // Mach-O
		".rdata", // PE
	}
	return slices.Contains(dataNames, name)
}

// isMostlyPrintable returns true if at least 80% of the string is printable
func isMostlyPrintable(s []byte) bool {
	if len(s) == 0 {
		return false
	}

	printable := 0
	for _, b := range s {
		if (b >= 32 && b < 127) || b == '\t' || b == '\n' || b == '\r' {
			printable++
		}
	}
	return float64(printable)/float64(len(s)) >= 0.8
}

// findVersions returns the distinct version tags in data, most frequent first.
func findVersions(data []byte) []string {
	counts := make(map[string]int)
	for _, loc := range versionRe.FindAllIndex(data, -1) {
		m := data[loc[0]:loc[1]]
		// tags are NUL terminated C strings
		if loc[1] < len(data) && data[loc[1]] != 0 && !isMostlyPrintable(data[loc[1]:min(loc[1]+4, len(data))]) {
			continue
		}
		counts[string(m)]++
	}

	out := make([]string, 0, len(counts))
	for v := range counts {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// VersionStrings lists the release tags found in the data sections of the
// image, most frequent first. A new descriptor entry is usually named after
// the first one.
func (f *File) VersionStrings() ([]string, error) {
	sects, err := f.raw.sections()
	if err != nil {
		return nil, err
	}
	var data []byte
	for _, s := range sects {
		if isDataSection(s.Name) {
			data = append(data, s.Data...)
			data = append(data, 0)
		}
	}
	return findVersions(data), nil
}
