package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/harness"
	"github.com/roach88/scenesync/internal/wire"
)

// recordFile is the YAML shape accepted by push --file:
//
//	records:
//	  - {entity: 1, component: 2, timestamp: 3, text: hello}
//	  - {entity: 1, component: 3, timestamp: 1, b64: "3q2+7w=="}
//	  - {entity: 4, component: 2, timestamp: 9}   # deletion
type recordFile struct {
	Records []harness.RecordSpec `yaml:"records"`
}

// readBatch loads the batch to push: either a raw wire batch or a YAML
// record file encoded into one.
func readBatch(path string, raw bool) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if raw {
		return data, nil
	}

	var rf recordFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	records := make([]crdt.Record, 0, len(rf.Records))
	for i, spec := range rf.Records {
		r, err := spec.Record()
		if err != nil {
			return nil, fmt.Errorf("%s: records[%d]: %w", path, i, err)
		}
		records = append(records, r)
	}
	return wire.EncodeBatch(records)
}

// batchView is the JSON output of a decoded batch.
type batchView struct {
	Scene   string               `json:"scene,omitempty"`
	Bytes   int                  `json:"bytes"`
	Records []harness.RecordView `json:"records"`
	Error   string               `json:"error,omitempty"`
}

// decodeView decodes as much of batch as is well formed. The returned error
// is the decode failure, if any.
func decodeView(scene string, batch []byte) (batchView, error) {
	v := batchView{Scene: scene, Bytes: len(batch), Records: []harness.RecordView{}}
	dec := wire.NewDecoder(batch)
	for dec.Next() {
		v.Records = append(v.Records, harness.ViewRecord(dec.Record()))
	}
	if err := dec.Err(); err != nil {
		v.Error = err.Error()
		return v, err
	}
	return v, nil
}

func printRecords(w io.Writer, records []harness.RecordView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tCOMPONENT\tTIMESTAMP\tPAYLOAD")
	for _, r := range records {
		payload := fmt.Sprintf("%q", r.Payload)
		if r.Deleted {
			payload = "<deleted>"
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", r.Entity, r.Component, r.Timestamp, payload)
	}
	tw.Flush()
}
