package runs

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	"github.com/syntropy-systems-oss/whirr/errors"
)

// Metric is one parsed line of metrics.jsonl or system.jsonl: the reserved
// keys (_idx, _timestamp, step) plus arbitrary user keys.
type Metric = map[string]interface{}

// ReadMetrics parses a JSONL metric file. A truncated or malformed final
// line (a writer crashed mid-append) is treated as EOF; every fully written
// record before it is returned. A missing file yields an empty slice.
func ReadMetrics(path string) ([]Metric, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return []Metric{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open metrics file")
	}
	defer f.Close()

	return readMetricLines(f)
}

func readMetricLines(r io.Reader) ([]Metric, error) {
	metrics := []Metric{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record Metric
		if err := json.Unmarshal(line, &record); err != nil {
			// Truncated final line from a crashed writer; stop here
			break
		}
		metrics = append(metrics, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan metrics file")
	}
	return metrics, nil
}

// AppendMetric appends one record as a JSON line. The file is opened
// append-only per call; the single-writer-per-file contract makes the
// append atomic enough for concurrent readers.
func AppendMetric(path string, record Metric) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "marshal metric")
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open metrics file")
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return errors.Wrap(err, "append metric")
	}
	return nil
}
