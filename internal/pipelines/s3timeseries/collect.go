package s3timeseries

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/buoy-retriever/retriever-go/internal/backendapi"
	"github.com/buoy-retriever/retriever-go/internal/partition"
	"github.com/buoy-retriever/retriever-go/internal/pipelines"
	"github.com/buoy-retriever/retriever-go/internal/platform/objectstore"
	"github.com/buoy-retriever/retriever-go/internal/sensor"
)

var ErrNoSourceFiles = errors.New("no source files for partition")

type collector struct {
	source  objectstore.Store
	env     pipelines.Env
	dataset backendapi.Typed[Config]
	pattern *sensor.Pattern
}

// table accumulates rows from files whose columns may differ; the header
// is the union of all columns in first-seen order.
type table struct {
	header []string
	index  map[string]int
	rows   []map[string]string
}

func (t *table) add(header []string, records [][]string) {
	if t.index == nil {
		t.index = map[string]int{}
	}
	for _, col := range header {
		if _, ok := t.index[col]; !ok {
			t.index[col] = len(t.header)
			t.header = append(t.header, col)
		}
	}
	for _, rec := range records {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		t.rows = append(t.rows, row)
	}
}

func (t *table) drop(cols []string) {
	for _, col := range cols {
		if _, ok := t.index[col]; !ok {
			continue
		}
		delete(t.index, col)
		kept := t.header[:0]
		for _, h := range t.header {
			if h != col {
				kept = append(kept, h)
			}
		}
		t.header = kept
	}
}

func (t *table) records() [][]string {
	out := make([][]string, 0, len(t.rows))
	for _, row := range t.rows {
		rec := make([]string, len(t.header))
		for i, col := range t.header {
			rec[i] = row[col]
		}
		out = append(out, rec)
	}
	return out
}

// collect gathers the day's source files, concatenates their rows and
// writes the daily partition.
func (c *collector) collect(ctx context.Context, key string) error {
	day, err := partition.ParseDaily(key)
	if err != nil {
		return err
	}
	cfg := c.dataset.Config
	prefix := sensor.NormalizePrefix(cfg.S3Source.Prefix)
	glob := c.pattern.Glob(day)

	objects, err := c.source.List(ctx, cfg.S3Source.Bucket, prefix)
	if err != nil {
		return fmt.Errorf("list %s/%s: %w", cfg.S3Source.Bucket, prefix, err)
	}
	var keys []string
	for _, obj := range objects {
		if ok, _ := path.Match(glob, strings.TrimPrefix(strings.TrimPrefix(obj.Key, prefix), "/")); ok {
			keys = append(keys, obj.Key)
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%s %s: %w", glob, key, ErrNoSourceFiles)
	}
	sort.Strings(keys)
	c.env.Logger.Info("reading daily source files", "dataset", c.dataset.Slug, "partition", key, "glob", glob, "files", len(keys))

	var t table
	for _, objectKey := range keys {
		header, records, err := c.read(ctx, cfg.S3Source.Bucket, objectKey)
		if err != nil {
			return err
		}
		if cfg.DatasetType != "profile" {
			t.add(header, records)
			continue
		}
		for _, set := range reshapeProfile(header, records, cfg.ProfileData) {
			t.add(set.header, set.records)
		}
	}
	t.drop(cfg.DropVars)

	rows := t.records()
	if pos := indexOf(t.header, cfg.SourceTimeVar); pos >= 0 {
		sortRows(rows, pos, indexOf(t.header, depthColumn))
	} else {
		c.env.Logger.Warn("time column missing from source files", "dataset", c.dataset.Slug, "column", cfg.SourceTimeVar)
	}

	header := renamed(t.header, cfg.VariableMappings)

	objectKey, err := partition.DailyPath(c.dataset.Key(), key)
	if err != nil {
		return err
	}
	if err := pipelines.WriteCSV(ctx, c.env, objectKey, header, rows); err != nil {
		return err
	}
	c.env.Logger.Info("daily partition written", "dataset", c.dataset.Slug, "partition", key, "rows", len(rows), "key", objectKey)
	return nil
}

func (c *collector) read(ctx context.Context, bucket, key string) ([]string, [][]string, error) {
	rc, err := c.source.Get(ctx, bucket, key)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	if sep := c.dataset.Config.Reader.Sep; sep != nil && *sep != "" {
		r.Comma, _ = utf8.DecodeRuneInString(*sep)
	}
	if comment := c.dataset.Config.Reader.Comment; comment != nil && *comment != "" {
		r.Comment, _ = utf8.DecodeRuneInString(*comment)
	}
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", key, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", key, err)
	}
	return header, records, nil
}

const depthColumn = "depth"

type rowSet struct {
	header  []string
	records [][]string
}

// reshapeProfile turns one wide file holding a column per depth into one
// row set per depth. Columns not named by any mapping are repeated in every
// set. A mapping whose source column is absent from the file is skipped.
func reshapeProfile(header []string, records [][]string, depths []ProfileDepth) []rowSet {
	profileVars := map[string]bool{}
	for _, d := range depths {
		for src := range d.Mappings {
			profileVars[src] = true
		}
	}
	var shared []int
	for i, col := range header {
		if !profileVars[col] {
			shared = append(shared, i)
		}
	}

	sets := make([]rowSet, 0, len(depths))
	for _, d := range depths {
		var sources []string
		for src := range d.Mappings {
			if indexOf(header, src) >= 0 {
				sources = append(sources, src)
			}
		}
		sort.Strings(sources)

		cols := make([]int, 0, len(shared)+len(sources))
		set := rowSet{}
		for _, i := range shared {
			cols = append(cols, i)
			set.header = append(set.header, header[i])
		}
		for _, src := range sources {
			cols = append(cols, indexOf(header, src))
			set.header = append(set.header, d.Mappings[src])
		}
		depth := ""
		if d.Depth != nil {
			depth = strconv.FormatFloat(*d.Depth, 'f', -1, 64)
			set.header = append(set.header, depthColumn)
		}

		for _, rec := range records {
			out := make([]string, 0, len(set.header))
			for _, i := range cols {
				v := ""
				if i < len(rec) {
					v = rec[i]
				}
				out = append(out, v)
			}
			if d.Depth != nil {
				out = append(out, depth)
			}
			set.records = append(set.records, out)
		}
		sets = append(sets, set)
	}
	return sets
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"1/2/2006",
	"2006/01/02 15:04:05",
}

func parseTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

type sortKey struct {
	row    []string
	at     time.Time
	depth  float64
	hasNum bool
}

// sortRows orders rows by time, then by depth when depthPos is set. Times
// are compared as instants when every value parses and as text otherwise.
func sortRows(rows [][]string, timePos, depthPos int) {
	keys := make([]sortKey, len(rows))
	parsed := true
	for i, row := range rows {
		keys[i].row = row
		if parsed {
			keys[i].at, parsed = parseTime(row[timePos])
		}
		if depthPos >= 0 {
			d, err := strconv.ParseFloat(strings.TrimSpace(row[depthPos]), 64)
			keys[i].depth, keys[i].hasNum = d, err == nil
		}
	}

	sort.SliceStable(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if parsed {
			if c := a.at.Compare(b.at); c != 0 {
				return c < 0
			}
		} else if a.row[timePos] != b.row[timePos] {
			return a.row[timePos] < b.row[timePos]
		}
		if depthPos < 0 {
			return false
		}
		if a.hasNum && b.hasNum {
			return a.depth < b.depth
		}
		return a.row[depthPos] < b.row[depthPos]
	})
	for i := range keys {
		rows[i] = keys[i].row
	}
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func renamed(header []string, mappings []VarMap) []string {
	out := append([]string(nil), header...)
	for _, m := range mappings {
		if m.Output == "" {
			continue
		}
		if i := indexOf(out, m.Source); i >= 0 {
			out[i] = m.Output
		}
	}
	return out
}
