package processing

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var RecordHeader = []string{"timestamp", "speed", "distance", "direction"}

var errRecorderClosed = errors.New("[recorder] not open")

// Recorder streams kinematic records to a CSV file with a header row.
// Direction is written as its numeric code (0 stationary, 1 forward, 2 backward).
type Recorder struct {
	Filename string
	logger   *zap.Logger
	file     *os.File
	buffered *bufio.Writer
	writer   *csv.Writer
	rows     int
}

func NewRecorder(filename string, logger *zap.Logger) *Recorder {
	return &Recorder{
		Filename: filename,
		logger:   logger,
	}
}

// Open creates the output directories and file and writes the header.
func (r *Recorder) Open() error {
	if err := os.MkdirAll(filepath.Dir(r.Filename), 0o755); err != nil {
		return fmt.Errorf("[recorder] create output directory: %w", err)
	}

	file, err := os.OpenFile(r.Filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("[recorder] open output file: %w", err)
	}

	r.file = file
	r.buffered = bufio.NewWriter(file)
	r.writer = csv.NewWriter(r.buffered)

	if err := r.writer.Write(RecordHeader); err != nil {
		return multierr.Append(err, r.Close())
	}
	r.logger.Info("[recorder] writing records", zap.String("outputFile", r.Filename))
	return nil
}

func (r *Recorder) LogRow(record KinematicRecord) error {
	if r.writer == nil {
		return errRecorderClosed
	}
	r.rows++
	return r.writer.Write(FormatRecord(record))
}

func (r *Recorder) Rows() int {
	return r.rows
}

// Close flushes everything written so far. Closing twice is a no-op.
func (r *Recorder) Close() error {
	if r.file == nil {
		return nil
	}

	r.writer.Flush()
	err := multierr.Combine(r.writer.Error(), r.buffered.Flush(), r.file.Close())
	r.file, r.buffered, r.writer = nil, nil, nil

	r.logger.Info("[recorder] closed output file", zap.String("outputFile", r.Filename), zap.Int("rows", r.rows))
	return err
}

func FormatRecord(record KinematicRecord) []string {
	return []string{
		strconv.FormatFloat(record.Timestamp, 'f', -1, 64),
		strconv.FormatFloat(record.Speed, 'f', -1, 64),
		strconv.FormatFloat(record.Distance, 'f', -1, 64),
		strconv.Itoa(int(record.Direction)),
	}
}
