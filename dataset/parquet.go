package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
	"k8s.io/klog/v2"
)

const parallelism = 4

// readRawParquet reads the TEXT, SOURCE and METADATA columns by name, so files written by other
// tools with extra or reordered columns are accepted. Only TEXT is required.
func readRawParquet(path string) ([]RawRecord, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	defer fr.Close()
	pr, err := reader.NewParquetColumnReader(fr, parallelism)
	if err != nil {
		return nil, errors.Wrapf(err, "reading parquet footer of %q", path)
	}
	defer pr.ReadStop()
	n := pr.GetNumRows()
	records := make([]RawRecord, n)
	columns := leafColumns(pr)
	for _, col := range []struct {
		name string
		set  func(r *RawRecord, v string)
	}{
		{TextColumn, func(r *RawRecord, v string) { r.Text = v }},
		{SourceColumn, func(r *RawRecord, v string) { r.Source = v }},
		{MetadataColumn, func(r *RawRecord, v string) { r.Metadata = v }},
	} {
		idx, ok := columns[col.name]
		if !ok {
			if col.name == TextColumn {
				return nil, errors.Errorf("%q has no %s column", path, TextColumn)
			}
			continue
		}
		values, _, _, err := pr.ReadColumnByIndex(idx, n)
		if err != nil {
			return nil, errors.Wrapf(err, "reading column %s of %q", col.name, path)
		}
		if int64(len(values)) != n {
			return nil, errors.Errorf("column %s of %q has %d values for %d rows", col.name, path, len(values), n)
		}
		for i, v := range values {
			s, _ := v.(string)
			col.set(&records[i], s)
		}
	}
	return records, nil
}

// leafColumns maps the dotted paths of the leaf columns below the root, such as
// "input_ids.list.element", to their column index.
func leafColumns(pr *reader.ParquetReader) map[string]int64 {
	columns := make(map[string]int64)
	schema := pr.Footer.GetSchema()
	if len(schema) == 0 {
		return columns
	}
	var leaf int64
	var walk func(i int, prefix string) int
	walk = func(i int, prefix string) int {
		el := schema[i]
		name := el.GetName()
		if prefix != "" {
			name = prefix + "." + name
		}
		i++
		if el.GetNumChildren() == 0 {
			columns[name] = leaf
			leaf++
			return i
		}
		for c := int32(0); c < el.GetNumChildren() && i < len(schema); c++ {
			i = walk(i, name)
		}
		return i
	}
	i := 1
	for c := int32(0); c < schema[0].GetNumChildren() && i < len(schema); c++ {
		i = walk(i, "")
	}
	return columns
}

// findColumn returns the leaf of the top level column name: the column itself when it is a
// primitive or a bare repeated field, its element when it is a LIST group.
func findColumn(columns map[string]int64, name string) (int64, bool) {
	if idx, ok := columns[name]; ok {
		return idx, true
	}
	found, idx := false, int64(0)
	for path, i := range columns {
		if strings.HasPrefix(path, name+".") && (!found || i < idx) {
			found, idx = true, i
		}
	}
	return idx, found
}

// readTokenizedParquet reads input_ids and ratio_char_token by name. input_ids is accepted as a
// repeated INT32 field, as written by WriteTokenized, or as a LIST of INT32 or INT64, as written by
// pyarrow. ratio_char_token is optional.
func readTokenizedParquet(path string) ([]TokenizedRecord, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	defer fr.Close()
	pr, err := reader.NewParquetColumnReader(fr, parallelism)
	if err != nil {
		return nil, errors.Wrapf(err, "reading parquet footer of %q", path)
	}
	defer pr.ReadStop()
	n := pr.GetNumRows()
	records := make([]TokenizedRecord, n)
	columns := leafColumns(pr)

	idx, ok := findColumn(columns, InputIDsColumn)
	if !ok {
		return nil, errors.Errorf("%q has no %s column", path, InputIDsColumn)
	}
	values, rls, _, err := pr.ReadColumnByIndex(idx, n)
	if err != nil {
		return nil, errors.Wrapf(err, "reading column %s of %q", InputIDsColumn, path)
	}
	if len(rls) != len(values) {
		return nil, errors.Errorf("column %s of %q has %d repetition levels for %d values", InputIDsColumn, path, len(rls), len(values))
	}
	row := -1
	for i, v := range values {
		if rls[i] == 0 {
			row++
		}
		if row < 0 || int64(row) >= n {
			return nil, errors.Errorf("column %s of %q holds more than %d rows", InputIDsColumn, path, n)
		}
		switch id := v.(type) {
		case nil:
			// empty or null list
		case int32:
			records[row].InputIDs = append(records[row].InputIDs, id)
		case int64:
			records[row].InputIDs = append(records[row].InputIDs, int32(id))
		default:
			return nil, errors.Errorf("column %s of %q holds %T values", InputIDsColumn, path, v)
		}
	}
	if int64(row+1) != n {
		return nil, errors.Errorf("column %s of %q has %d rows, want %d", InputIDsColumn, path, row+1, n)
	}

	idx, ok = findColumn(columns, RatioColumn)
	if !ok {
		return records, nil
	}
	values, _, _, err = pr.ReadColumnByIndex(idx, n)
	if err != nil {
		return nil, errors.Wrapf(err, "reading column %s of %q", RatioColumn, path)
	}
	if int64(len(values)) != n {
		return nil, errors.Errorf("column %s of %q has %d values for %d rows", RatioColumn, path, len(values), n)
	}
	for i, v := range values {
		switch ratio := v.(type) {
		case float64:
			records[i].RatioCharToken = ratio
		case float32:
			records[i].RatioCharToken = float64(ratio)
		}
	}
	return records, nil
}

// WriteTokenized writes records into parquet shards named <split>-NNNNN-of-NNNNN.parquet inside
// dir. A shard is closed once the uncompressed size of its records reaches maxShardSize (a
// humanized size such as "300MB"); a single record larger than that gets a shard of its own.
func WriteTokenized(dir, split string, records []TokenizedRecord, maxShardSize string) ([]string, error) {
	limit, err := humanize.ParseBytes(maxShardSize)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing max shard size %q", maxShardSize)
	}
	if limit == 0 {
		return nil, errors.Errorf("max shard size %q is zero", maxShardSize)
	}
	var bounds []int
	var size uint64
	for i, rec := range records {
		recSize := uint64(4*len(rec.InputIDs) + 8)
		if size > 0 && size+recSize > limit {
			bounds = append(bounds, i)
			size = 0
		}
		size += recSize
	}
	bounds = append(bounds, len(records))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating %q", dir)
	}
	paths := make([]string, len(bounds))
	start := 0
	for shard, end := range bounds {
		paths[shard] = filepath.Join(dir, fmt.Sprintf("%s-%05d-of-%05d.parquet", split, shard, len(bounds)))
		shardRecords := records[start:end]
		err := writeParquet(paths[shard], new(TokenizedRecord), len(shardRecords), func(i int) any { return shardRecords[i] })
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("Wrote %d records to %s", len(shardRecords), paths[shard])
		start = end
	}
	return paths, nil
}

func writeParquet(path string, schema any, n int, record func(i int) any) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	if err := writeRecords(fw, schema, n, record); err != nil {
		fw.Close()
		return errors.WithMessagef(err, "writing %q", path)
	}
	return errors.Wrapf(fw.Close(), "closing %q", path)
}

func writeRecords(fw source.ParquetFile, schema any, n int, record func(i int) any) error {
	pw, err := writer.NewParquetWriter(fw, schema, parallelism)
	if err != nil {
		return errors.Wrap(err, "creating parquet writer")
	}
	for i := 0; i < n; i++ {
		if err := pw.Write(record(i)); err != nil {
			return errors.Wrapf(err, "writing record %d", i)
		}
	}
	return errors.Wrap(pw.WriteStop(), "flushing parquet writer")
}
