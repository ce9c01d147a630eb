/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package objfile

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
	"rsc.io/binaryregexp"
)

func isHexRune(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !isHexRune(c) {
			return false
		}
	}
	return true
}

// one element of a parsed pattern
type patternToken struct {
	re      string
	min     int
	max     int
	literal int // byte value, or -1 when the token is not a fixed byte
}

// translate from a yara-style pattern, like:
//
//	{ 55 8B EC 0? ?? ?? ?? ?? [0-8] E8 (A1|A3) }
//
// to a regular expression string compatible with the binaryregexp module, like:
//
//	\x55\x8B\xEC[\x00-\x0F]....{0,8}?\xE8(\xA1|\xA3)
//
// descriptor files carry build signatures in the yara form because it is the
// form reverse engineers copy out of their disassembler.
func RegexpPatternFromYaraPattern(pattern string) (*RegexAndNeedle, error) {
	pattern = strings.TrimSpace(pattern)
	if !strings.HasPrefix(pattern, "{") {
		return nil, errors.New("missing prefix")
	}

	if !strings.HasSuffix(pattern, "}") {
		return nil, errors.New("missing suffix")
	}

	pattern = strings.Trim(pattern, "{}")
	pattern = strings.ReplaceAll(pattern, " ", "")
	pattern = strings.ToLower(pattern)

	var tokens []patternToken
	for i := 0; i < len(pattern); {
		c := pattern[i : i+1]

		// input: [x-y]
		// output: .{x,y}?
		if c == "[" {
			end := strings.Index(pattern[i:], "]")
			if end == -1 {
				return nil, errors.New("unbalanced [")
			}

			low, high, found := strings.Cut(pattern[i+1:i+end], "-")
			if !found {
				return nil, errors.New("[] didn't contain a dash")
			}
			lo, err := strconv.Atoi(low)
			if err != nil {
				return nil, errors.New("invalid number")
			}
			hi, err := strconv.Atoi(high)
			if err != nil || hi < lo {
				return nil, errors.New("invalid number")
			}

			tokens = append(tokens, patternToken{".{" + low + "," + high + "}?", lo, hi, -1})
			i += end + 1
			continue
		}

		// input: (AA|BB|CC)
		// output: (\xAA|\xBB|\xCC)
		if c == "(" {
			end := strings.Index(pattern[i:], ")")
			if end == -1 {
				return nil, errors.New("unbalanced (")
			}

			choices := strings.Split(pattern[i+1:i+end], "|")
			re := "("
			for j, choice := range choices {
				if len(choice) != 2 || !isHex(choice) {
					return nil, errors.New("choice not hex")
				}
				if j != 0 {
					re += "|"
				}
				re += `\x` + strings.ToUpper(choice)
			}
			re += ")"

			tokens = append(tokens, patternToken{re, 1, 1, -1})
			i += end + 1
			continue
		}

		if i+1 >= len(pattern) {
			return nil, errors.New("truncated byte")
		}
		d := pattern[i+1 : i+2]

		switch {
		// input: ??
		// output: .
		case c == "?":
			if d != "?" {
				return nil, errors.New("cannot mask the first nibble")
			}
			tokens = append(tokens, patternToken{".", 1, 1, -1})

		// input: 0?
		// output: [\x00-\x0F]
		case d == "?":
			if !isHex(c) {
				return nil, errors.New("not hex digit")
			}
			hi := strings.ToUpper(c)
			tokens = append(tokens, patternToken{`[\x` + hi + `0-\x` + hi + `F]`, 1, 1, -1})

		// input: AB
		// output: \xAB
		case isHex(c) && isHex(d):
			byt, err := strconv.ParseUint(c+d, 16, 8)
			if err != nil {
				return nil, errors.New("not hex digit")
			}
			tokens = append(tokens, patternToken{`\x` + strings.ToUpper(c+d), 1, 1, int(byt)})

		default:
			return nil, errors.New("unexpected value")
		}
		i += 2
	}

	return compileTokens(tokens)
}

func compileTokens(tokens []patternToken) (*RegexAndNeedle, error) {
	var sb strings.Builder
	info := &RegexAndNeedle{}

	// track the longest run of fixed bytes, and where it can start
	var run []byte
	runMin, runMax := 0, 0
	minPos, maxPos := 0, 0
	flush := func() {
		if len(run) > len(info.needle) {
			info.needle = slices.Clone(run)
			info.needleOffset = runMax
			info.needleMinOffset = runMin
		}
		run = run[:0]
	}

	for _, tok := range tokens {
		sb.WriteString(tok.re)
		if tok.literal >= 0 {
			if len(run) == 0 {
				runMin, runMax = minPos, maxPos
			}
			run = append(run, byte(tok.literal))
		} else {
			flush()
		}
		minPos += tok.min
		maxPos += tok.max
	}
	flush()

	info.len = maxPos
	info.rawre = sb.String()

	// (?s) lets . match \n, which is just another byte here
	re, err := binaryregexp.Compile(`\A(?s:` + info.rawre + `)`)
	if err != nil {
		return nil, err
	}
	info.re = re
	return info, nil
}

// FindRegex returns every offset in data where the pattern matches,
// overlapping matches included, in ascending order.
func FindRegex(data []byte, regexInfo *RegexAndNeedle) []int {
	matches := make([]int, 0)
	seen := make(map[int]bool)

	try := func(start int) {
		if start < 0 || start > len(data) || seen[start] {
			return
		}
		seen[start] = true
		end := start + regexInfo.len
		if end > len(data) {
			end = len(data)
		}
		if regexInfo.re.Match(data[start:end]) {
			matches = append(matches, start)
		}
	}

	if len(regexInfo.needle) == 0 {
		for start := 0; start < len(data); start++ {
			try(start)
		}
		return matches
	}

	// use an optimized memscan to find candidates in the much larger haystack,
	// then run the anchored regex only where the needle allows a match to begin
	for _, needleMatch := range findAllOccurrences(data, [][]byte{regexInfo.needle}) {
		for start := needleMatch - regexInfo.needleOffset; start <= needleMatch-regexInfo.needleMinOffset; start++ {
			try(start)
		}
	}
	slices.Sort(matches)
	return matches
}

// FindPattern compiles a yara-style pattern and reports whether it occurs in data.
func FindPattern(data []byte, pattern string) (bool, error) {
	info, err := RegexpPatternFromYaraPattern(pattern)
	if err != nil {
		return false, err
	}
	return len(FindRegex(data, info)) > 0, nil
}

type RegexAndNeedle struct {
	len             int // longest possible match
	rawre           string
	re              *binaryregexp.Regexp
	needle          []byte // longest fixed sub-sequence of regex
	needleOffset    int    // latest position the needle can start at
	needleMinOffset int    // earliest position the needle can start at
}

func findAllOccurrences(data []byte, searches [][]byte) []int {
	var results []int
	for _, search := range searches {
		if len(search) == 0 {
			continue
		}
		for base := 0; base < len(data); {
			idx := bytes.Index(data[base:], search)
			if idx == -1 {
				break
			}
			results = append(results, base+idx)
			base += idx + 1
		}
	}
	return results
}
