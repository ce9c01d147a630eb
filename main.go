/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/fatih/color"

	"github.com/dwarfhack/memlayout/catalog"
	"github.com/dwarfhack/memlayout/classid"
	"github.com/dwarfhack/memlayout/descriptor"
	"github.com/dwarfhack/memlayout/matcher"
	"github.com/dwarfhack/memlayout/objfile"
	"github.com/dwarfhack/memlayout/offsets"
	"github.com/dwarfhack/memlayout/process"
	"github.com/dwarfhack/memlayout/sigcache"
)

var (
	_ matcher.Process   = (*objfile.File)(nil)
	_ matcher.Process   = (*process.Process)(nil)
	_ descriptor.Reader = (*process.Reader)(nil)
)

// entry summary, shared by listings and dumps
type EntryMetadata struct {
	ID          string
	Version     string
	OS          string
	Base        string
	MD5         string `json:",omitempty"`
	PETimestamp string `json:",omitempty"`
	Signature   string `json:",omitempty"`
	Keys        int
	Classes     int
}

type CatalogMetadata struct {
	File     string
	Entries  []EntryMetadata
	Problems []string `json:",omitempty"`
}

type EntryDump struct {
	EntryMetadata
	Offsets offsets.GroupDump
	VTable  []descriptor.ClassDump
	Tables  map[string]int

	text string
}

type ObjectMetadata struct {
	Address   string
	ClassID   descriptor.ClassID
	ClassName string
}

type MatchMetadata struct {
	Target    string
	Supported bool
	PID       int32           `json:",omitempty"`
	Entry     string          `json:",omitempty"`
	Version   string          `json:",omitempty"`
	Method    string          `json:",omitempty"`
	Base      string          `json:",omitempty"`
	Object    *ObjectMetadata `json:",omitempty"`
	Hints     []string        `json:",omitempty"`
}

type options struct {
	descriptorPath string
	entryID        string
	exePath        string
	cachePath      string
	scan           bool
	pid            int
	object         string
}

func summarize(id string, d *descriptor.Descriptor) EntryMetadata {
	m := EntryMetadata{
		ID:        id,
		Version:   d.Version,
		OS:        d.OS.String(),
		Base:      fmt.Sprintf("0x%x", d.Base),
		MD5:       d.MD5,
		Signature: d.Signature,
		Keys:      d.Len(),
		Classes:   len(d.Classes()),
	}
	if d.PETimestamp != 0 {
		m.PETimestamp = fmt.Sprintf("0x%x", d.PETimestamp)
	}
	return m
}

func listCatalog(path string, c *catalog.Catalog) CatalogMetadata {
	meta := CatalogMetadata{File: path}
	for _, e := range c.Entries() {
		meta.Entries = append(meta.Entries, summarize(e.ID, e.Descriptor))
	}
	for _, p := range c.Problems() {
		meta.Problems = append(meta.Problems, p.Error())
	}
	return meta
}

func dumpEntry(c *catalog.Catalog, id string) (EntryDump, error) {
	d, ok := c.Lookup(id)
	if !ok {
		return EntryDump{}, fmt.Errorf("no entry %q", id)
	}
	return EntryDump{
		EntryMetadata: summarize(id, d),
		Offsets:       d.Dump(),
		VTable:        d.ClassDumps(),
		Tables:        d.TableSizes(),
		text:          d.PrintOffsets(),
	}, nil
}

func bindingMetadata(target string, pid int32, b *matcher.Binding) MatchMetadata {
	meta := MatchMetadata{Target: target, PID: pid}
	if b == nil {
		return meta
	}
	meta.Supported = true
	meta.Entry = b.ID
	meta.Version = b.Descriptor.Version
	meta.Method = string(b.Method)
	meta.Base = fmt.Sprintf("0x%x", b.Descriptor.Base)
	return meta
}

func identifyFile(m *matcher.Matcher, path string, hasher objfile.Hasher) (MatchMetadata, error) {
	f, err := objfile.Open(path)
	if err != nil {
		return MatchMetadata{}, fmt.Errorf("invalid file: %w", err)
	}
	defer f.Close()
	if hasher != nil {
		f.SetHasher(hasher)
	}

	b, ok, err := m.Match(f)
	if err != nil {
		return MatchMetadata{}, err
	}
	meta := bindingMetadata(path, 0, b)
	if !ok {
		// unknown builds still carry their release tag
		if meta.Hints, err = f.VersionStrings(); err != nil {
			log.WithError(err).Debug("version strings")
		}
	}
	return meta, nil
}

func identifyObject(b *matcher.Binding, p *process.Process, object string) (*ObjectMetadata, error) {
	addr, err := offsets.ParseUnsignedHex(object)
	if err != nil {
		return nil, fmt.Errorf("object address: %w", err)
	}
	r, err := p.Reader()
	if err != nil {
		return nil, err
	}
	id := classid.New(b.Descriptor, r)
	p.OnClose(id.Invalidate)
	cls, err := id.Identify(addr)
	if err != nil {
		return nil, err
	}
	name, err := b.Descriptor.ResolveClassIDToClassname(cls)
	if err != nil {
		return nil, err
	}
	return &ObjectMetadata{Address: fmt.Sprintf("0x%x", addr), ClassID: cls, ClassName: name}, nil
}

func identifyPid(ctx context.Context, m *matcher.Matcher, pid int32, hasher objfile.Hasher, object string) (MatchMetadata, error) {
	t, err := process.Find(ctx, pid)
	if err != nil {
		return MatchMetadata{}, err
	}
	p, err := process.Attach(t, hasher)
	if err != nil {
		return MatchMetadata{}, err
	}
	defer p.Close()

	b, ok, err := m.Match(p)
	if err != nil {
		return MatchMetadata{}, err
	}
	meta := bindingMetadata(t.Exe, pid, b)
	if ok && object != "" {
		if meta.Object, err = identifyObject(b, p, object); err != nil {
			return meta, err
		}
	}
	return meta, nil
}

func scanProcesses(ctx context.Context, m *matcher.Matcher, hasher objfile.Hasher) ([]MatchMetadata, error) {
	targets, err := process.List(ctx)
	if err != nil {
		return nil, err
	}

	var procs []matcher.Process
	for _, t := range targets {
		p, err := process.Attach(t, hasher)
		if err != nil {
			log.Debugf("skipping pid %d: %v", t.PID, err)
			continue
		}
		defer p.Close()
		procs = append(procs, p)
	}

	results, err := m.Scan(ctx, procs)
	if err != nil {
		return nil, err
	}
	var out []MatchMetadata
	for _, b := range matcher.Bindings(results) {
		p := b.Process.(*process.Process)
		out = append(out, bindingMetadata(p.Exe, p.PID, b))
	}
	return out, nil
}

func main_impl(ctx context.Context, opts options) (interface{}, error) {
	c, err := catalog.Load(opts.descriptorPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load descriptors: %w", err)
	}

	var hasher objfile.Hasher
	if opts.cachePath != "" {
		cache, err := sigcache.Open(opts.cachePath)
		if err != nil {
			return nil, err
		}
		defer cache.Close()
		hasher = cache
	}
	m := matcher.New(c)

	switch {
	case opts.entryID != "":
		return dumpEntry(c, opts.entryID)
	case opts.exePath != "":
		return identifyFile(m, opts.exePath, hasher)
	case opts.pid != 0:
		return identifyPid(ctx, m, int32(opts.pid), hasher, opts.object)
	case opts.scan:
		return scanProcesses(ctx, m, hasher)
	}
	return listCatalog(opts.descriptorPath, c), nil
}

var (
	heading = color.New(color.FgCyan, color.Bold)
	good    = color.New(color.FgGreen)
	bad     = color.New(color.FgRed)
)

func printMatch(m MatchMetadata) {
	if !m.Supported {
		bad.Printf("%-20s %s\n", "unsupported:", m.Target)
		for _, h := range m.Hints {
			fmt.Printf("%-20s %s\n", "Version hint:", h)
		}
		return
	}
	good.Printf("%-20s %s\n", "identified:", m.Target)
	if m.PID != 0 {
		fmt.Printf("%-20s %d\n", "PID:", m.PID)
	}
	fmt.Printf("%-20s %s\n", "Entry:", m.Entry)
	fmt.Printf("%-20s %s\n", "Version:", m.Version)
	fmt.Printf("%-20s %s\n", "Method:", m.Method)
	fmt.Printf("%-20s %s\n", "Base:", m.Base)
	if m.Object != nil {
		fmt.Printf("%-20s %s is %s (class %d)\n", "Object:", m.Object.Address, m.Object.ClassName, m.Object.ClassID)
	}
}

func printForHuman(result interface{}) {
	heading.Println("----memlayout----")
	switch r := result.(type) {
	case CatalogMetadata:
		fmt.Printf("%-20s %s\n", "File:", r.File)
		heading.Println("\n-ENTRIES-")
		if len(r.Entries) == 0 {
			fmt.Println("<NO ENTRIES RESOLVED>")
		}
		for _, e := range r.Entries {
			fmt.Printf("%-28s %-10s %-8s base %-10s %d keys, %d classes\n", e.ID, e.Version, e.OS, e.Base, e.Keys, e.Classes)
		}
		if len(r.Problems) > 0 {
			heading.Println("\n-PROBLEMS-")
			for _, p := range r.Problems {
				bad.Println(p)
			}
		}
	case EntryDump:
		fmt.Print(r.text)
	case MatchMetadata:
		printMatch(r)
	case []MatchMetadata:
		if len(r) == 0 {
			fmt.Println("<NO SUPPORTED PROCESSES>")
		}
		for _, m := range r {
			printMatch(m)
			fmt.Println()
		}
	}
}

func DataToJson(data interface{}) string {
	jsonBytes, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return "{\"error\": \"failed to format output\"}"
	}
	return string(jsonBytes)
}

func TextToJson(key string, text string) string {
	jsonBytes, err := json.Marshal(map[string]string{key: text})
	if err != nil {
		return "{\"error\": \"failed to format output\"}"
	}
	return string(jsonBytes)
}

func main() {
	log.SetHandler(cli.New(os.Stderr))
	log.SetLevel(log.WarnLevel)

	var opts options
	flag.StringVar(&opts.descriptorPath, "f", "memory.xml", "Descriptor document to load")
	flag.StringVar(&opts.entryID, "entry", "", "Dump the resolved offsets of one entry")
	flag.StringVar(&opts.exePath, "exe", "", "Identify an executable on disk")
	flag.BoolVar(&opts.scan, "scan", false, "Identify every running process that is a supported build")
	flag.IntVar(&opts.pid, "pid", 0, "Identify one running process")
	flag.StringVar(&opts.object, "object", "", "With -pid, identify the class of the object at this hex address")
	flag.StringVar(&opts.cachePath, "cache", "", "sqlite file caching executable hashes between runs")
	serveAddr := flag.String("serve", "", "Serve the catalog over HTTP on this address, ex: localhost:8080")
	humanView := flag.Bool("human", false, "Human view, print information flat rather than json")
	debug := flag.Bool("debug", false, "Log diagnostics")

	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *serveAddr != "" {
		if err := serve(ctx, *serveAddr, opts.descriptorPath); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Println(TextToJson("error", fmt.Sprintf("Server failed: %s", err)))
			os.Exit(1)
		}
		return
	}

	result, err := main_impl(ctx, opts)
	if err != nil {
		fmt.Println(TextToJson("error", err.Error()))
		os.Exit(1)
	}
	if *humanView {
		printForHuman(result)
	} else {
		fmt.Println(DataToJson(result))
	}
}
