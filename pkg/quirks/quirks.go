// Package quirks resolves per-device policy overrides: timeouts, chunk
// size floors, and fallback ladders that vary by vendor/product ID or by
// model name, loaded from a directory of .INI-style ".conf" files.
package quirks

import (
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/swiftmtp/core/pkg/config"
)

// Quirk is a single name/value override, with enough provenance to
// diagnose conflicting definitions across files.
type Quirk struct {
	Origin    string
	Match     string
	MatchHWID *HWIDPattern
	Name      string
	RawValue  string
	Parsed    interface{}
	LoadOrder int
}

// Quirk names. Use these constants rather than literal strings so a typo
// is caught at compile time.
const (
	QuirkNmBlacklist         = "blacklist"
	QuirkNmOpenTimeout       = "open-timeout"
	QuirkNmIOTimeout         = "io-timeout"
	QuirkNmResetTimeout      = "reset-timeout"
	QuirkNmMinChunkSize      = "min-chunk-size"
	QuirkNmZlpSend           = "zlp-send"
	QuirkNmPropListDisable   = "proplist-disable"
	QuirkNmOpenSessionLadder = "open-session-reset-ladder"
	QuirkNmWriteTargetLadder = "write-target-ladder"
	QuirkNmPartialReadOff    = "partial-read-unsupported"
	QuirkNmMfg               = "mfg"
	QuirkNmModel             = "model"
)

var quirkParse = map[string]func(*Quirk) error{
	QuirkNmBlacklist:         (*Quirk).parseBool,
	QuirkNmOpenTimeout:       (*Quirk).parseDuration,
	QuirkNmIOTimeout:         (*Quirk).parseDuration,
	QuirkNmResetTimeout:      (*Quirk).parseDuration,
	QuirkNmMinChunkSize:      (*Quirk).parseSize,
	QuirkNmZlpSend:           (*Quirk).parseBool,
	QuirkNmPropListDisable:   (*Quirk).parseBool,
	QuirkNmOpenSessionLadder: (*Quirk).parseCSV,
	QuirkNmWriteTargetLadder: (*Quirk).parseCSV,
	QuirkNmPartialReadOff:    (*Quirk).parseBool,
	QuirkNmMfg:               (*Quirk).parseString,
	QuirkNmModel:             (*Quirk).parseString,
}

var quirkDefaultStrings = map[string]string{
	QuirkNmBlacklist:         "false",
	QuirkNmOpenTimeout:       "5000",
	QuirkNmIOTimeout:         "30000",
	QuirkNmResetTimeout:      "5000",
	QuirkNmMinChunkSize:      "65536",
	QuirkNmZlpSend:           "true",
	QuirkNmPropListDisable:   "false",
	QuirkNmOpenSessionLadder: "reset,close-reopen",
	QuirkNmWriteTargetLadder: "SwiftMTP,DCIM,.",
	QuirkNmPartialReadOff:    "false",
	QuirkNmMfg:               "",
	QuirkNmModel:             "",
}

var quirkDefault = make(map[string]*Quirk)

func init() {
	for name, value := range quirkDefaultStrings {
		q := &Quirk{Origin: "default", Match: "*", Name: name, RawValue: value, LoadOrder: math.MaxInt32}
		if err := quirkParse[name](q); err != nil {
			panic(err)
		}
		quirkDefault[name] = q
	}
}

func (q *Quirk) parseString() error {
	q.Parsed = q.RawValue
	return nil
}

func (q *Quirk) parseBool() error {
	switch q.RawValue {
	case "true":
		q.Parsed = true
	case "false":
		q.Parsed = false
	default:
		return fmt.Errorf("%q: must be true or false", q.RawValue)
	}
	return nil
}

func (q *Quirk) parseSize() error {
	v := q.RawValue
	units := uint64(1)
	if l := len(v); l > 0 {
		switch v[l-1] {
		case 'k', 'K':
			units = 1024
		case 'm', 'M':
			units = 1024 * 1024
		}
		if units != 1 {
			v = v[:l-1]
		}
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%q: invalid size", q.RawValue)
	}
	q.Parsed = n * units
	return nil
}

func (q *Quirk) parseDuration() error {
	ms, err := strconv.ParseUint(q.RawValue, 10, 32)
	if err == nil {
		q.Parsed = time.Millisecond * time.Duration(ms)
		return nil
	}
	if strings.HasPrefix(q.RawValue, "+") || strings.HasPrefix(q.RawValue, "-") {
		return fmt.Errorf("%q: invalid duration", q.RawValue)
	}
	d, err := time.ParseDuration(q.RawValue)
	if err == nil && d >= 0 {
		q.Parsed = d
		return nil
	}
	return fmt.Errorf("%q: invalid duration", q.RawValue)
}

func (q *Quirk) parseCSV() error {
	var list []string
	for _, s := range strings.Split(q.RawValue, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			list = append(list, s)
		}
	}
	q.Parsed = list
	return nil
}

// Quirks is a named collection of Quirk values, either representing one
// section of a quirks file or the merged set applicable to one device.
type Quirks struct {
	byName  map[string]*Quirk
	weights map[string]int
}

func newQuirks() *Quirks {
	return &Quirks{byName: make(map[string]*Quirk), weights: make(map[string]int)}
}

func (qs *Quirks) put(q *Quirk) {
	qs.byName[q.Name] = q
}

// prioritizeAndSave keeps q over any previously-saved quirk of the same
// name only if q matches more specifically (by weight) or, on a tie,
// loaded earlier.
func (qs *Quirks) prioritizeAndSave(q *Quirk, weight int) {
	prev := qs.byName[q.Name]
	prevWeight := qs.weights[q.Name]

	save := prev == nil || weight > prevWeight || (weight == prevWeight && q.LoadOrder < prev.LoadOrder)
	if save {
		qs.put(q)
		qs.weights[q.Name] = weight
	}
}

// IsEmpty reports whether no overrides were found.
func (qs *Quirks) IsEmpty() bool {
	return len(qs.byName) == 0
}

// Get returns the quirk by name, falling back to its compiled-in
// default.
func (qs *Quirks) Get(name string) *Quirk {
	if q := qs.byName[name]; q != nil {
		return q
	}
	return quirkDefault[name]
}

// All returns every quirk in the collection sorted by name, for logging.
func (qs *Quirks) All() []*Quirk {
	out := make([]*Quirk, 0, len(qs.byName))
	for _, q := range qs.byName {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DevicePolicy is the resolved, typed view of a Quirks set: everything
// the device actor, transfer engine, and probe need to behave correctly
// for one specific device.
type DevicePolicy struct {
	Blacklisted            bool
	OpenTimeout            time.Duration
	IOTimeout              time.Duration
	ResetTimeout           time.Duration
	MinChunkSize           uint64
	SendZLP                bool
	PropListDisabled       bool
	OpenSessionResetLadder []string
	WriteTargetLadder      []string
	PartialReadUnsupported bool
}

// Resolve collapses a Quirks set into a DevicePolicy.
func (qs *Quirks) Resolve() DevicePolicy {
	return DevicePolicy{
		Blacklisted:            qs.Get(QuirkNmBlacklist).Parsed.(bool),
		OpenTimeout:            qs.Get(QuirkNmOpenTimeout).Parsed.(time.Duration),
		IOTimeout:              qs.Get(QuirkNmIOTimeout).Parsed.(time.Duration),
		ResetTimeout:           qs.Get(QuirkNmResetTimeout).Parsed.(time.Duration),
		MinChunkSize:           qs.Get(QuirkNmMinChunkSize).Parsed.(uint64),
		SendZLP:                qs.Get(QuirkNmZlpSend).Parsed.(bool),
		PropListDisabled:       qs.Get(QuirkNmPropListDisable).Parsed.(bool),
		OpenSessionResetLadder: csvOrNil(qs.Get(QuirkNmOpenSessionLadder).Parsed),
		WriteTargetLadder:      csvOrNil(qs.Get(QuirkNmWriteTargetLadder).Parsed),
		PartialReadUnsupported: qs.Get(QuirkNmPartialReadOff).Parsed.(bool),
	}
}

func csvOrNil(v interface{}) []string {
	if l, ok := v.([]string); ok {
		return l
	}
	return nil
}

// QuirksDb is the in-memory database of Quirks sections loaded from a
// directory of .conf files.
type QuirksDb []*Quirks

// LoadQuirksSet loads and merges the .conf files found in each of paths.
// A missing directory is not an error.
func LoadQuirksSet(paths ...string) (QuirksDb, error) {
	qdb := QuirksDb{}
	for _, path := range paths {
		if err := qdb.readDir(path); err != nil {
			return nil, err
		}
	}
	return qdb, nil
}

func (qdb *QuirksDb) readDir(path string) error {
	files, err := ioutil.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, file := range files {
		if file.Mode().IsRegular() && strings.HasSuffix(file.Name(), ".conf") {
			if err := qdb.readFile(filepath.Join(path, file.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (qdb *QuirksDb) readFile(file string) error {
	ini, err := config.OpenIniFileWithRecType(file)
	if err != nil {
		return err
	}
	defer ini.Close()

	var qs *Quirks
	var matchHWID *HWIDPattern
	loadOrder := 0

	for {
		rec, err := ini.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		origin := fmt.Sprintf("%s:%d", rec.File, rec.Line)

		if rec.Type == config.IniRecordSection {
			matchHWID = ParseHWIDPattern(rec.Section)
			qs = newQuirks()
			qdb.Add(qs)
			continue
		}

		if qs == nil {
			return fmt.Errorf("%s: %q = %q out of any section", origin, rec.Key, rec.Value)
		}

		if found := qs.byName[rec.Key]; found != nil {
			return fmt.Errorf("%s: %q already defined at %s", origin, rec.Key, found.Origin)
		}

		parse := quirkParse[rec.Key]
		if parse == nil {
			continue // unknown key: tolerate, may be a newer release's setting
		}

		q := &Quirk{
			Origin:    origin,
			Match:     rec.Section,
			MatchHWID: matchHWID,
			Name:      rec.Key,
			RawValue:  rec.Value,
			LoadOrder: loadOrder,
		}
		loadOrder++

		if err := parse(q); err != nil {
			return fmt.Errorf("%s: %s", origin, err)
		}
		qs.put(q)
	}
}

// Add appends qs to the database.
func (qdb *QuirksDb) Add(qs *Quirks) {
	*qdb = append(*qdb, qs)
}

// MatchByHWID returns the merged Quirks applicable to vid/pid by exact or
// VID-wildcard HWID match.
func (qdb QuirksDb) MatchByHWID(vid, pid uint16) *Quirks {
	ret := newQuirks()
	for _, qs := range qdb {
		for _, q := range qs.byName {
			if q.MatchHWID == nil {
				continue
			}
			if weight := q.MatchHWID.Match(vid, pid); weight >= 0 {
				ret.prioritizeAndSave(q, weight)
			}
		}
	}
	return ret
}

// MatchByModelName returns the merged Quirks applicable to model by
// glob-style section-name match. Weight is the glob's matched-character
// count, so a more specific glob outranks a looser one.
func (qdb QuirksDb) MatchByModelName(model string) *Quirks {
	ret := newQuirks()
	for _, qs := range qdb {
		for _, q := range qs.byName {
			if q.MatchHWID != nil {
				continue
			}
			if weight := GlobMatch(model, q.Match); weight >= 0 {
				ret.prioritizeAndSave(q, weight)
			}
		}
	}
	return ret
}

// Resolve produces the DevicePolicy for a device, combining HWID-matched
// overrides (highest priority), model-name-matched overrides, and
// compiled-in defaults, in that resolution order: exact HWID match, then
// glob-based model-name match weighted by specificity, then the
// PTP-class heuristic default carried in quirkDefaultStrings.
func (qdb QuirksDb) Resolve(vid, pid uint16, model string) DevicePolicy {
	merged := newQuirks()

	for _, q := range qdb.MatchByModelName(model).byName {
		merged.put(q)
	}
	for _, q := range qdb.MatchByHWID(vid, pid).byName {
		merged.put(q) // HWID match always wins: applied after model-name matches
	}

	return merged.Resolve()
}
