package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tkingovr/pod-guard/api"
)

var (
	tailDir    string
	tailType   string
	tailPod    string
	tailLines  int
	tailFollow bool
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print collected access log records",
	Long: `Print records from a collector's JSONL directory, most recent file
first. With --follow, keep printing records as they are collected.`,
	Example: `  podguard tail --dir /var/log/podguard -n 50
  podguard tail --dir /var/log/podguard --type Denied --follow`,
	RunE: runTail,
}

func init() {
	tailCmd.Flags().StringVar(&tailDir, "dir", "", "collector JSONL directory (required)")
	tailCmd.Flags().StringVar(&tailType, "type", "", "only records of this type (Request, Response, Denied)")
	tailCmd.Flags().StringVar(&tailPod, "pod", "", "only records for this pod address")
	tailCmd.Flags().IntVarP(&tailLines, "lines", "n", 20, "number of records to print")
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "keep printing new records")
	_ = tailCmd.MarkFlagRequired("dir")
	rootCmd.AddCommand(tailCmd)
}

func runTail(cmd *cobra.Command, args []string) error {
	date := time.Now().Format("2006-01-02")
	path := filepath.Join(tailDir, date+".jsonl")

	records, offset, err := readRecords(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if tailLines > 0 && len(records) > tailLines {
		records = records[len(records)-tailLines:]
	}
	for _, r := range records {
		printRecord(r)
	}
	if !tailFollow {
		return nil
	}

	for {
		time.Sleep(500 * time.Millisecond)

		if d := time.Now().Format("2006-01-02"); d != date {
			date = d
			path = filepath.Join(tailDir, date+".jsonl")
			offset = 0
		}

		n, err := printFrom(path, offset)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		offset = n
	}
}

// readRecords loads all matching records from a JSONL file and returns
// the file size, so following can pick up where the initial read ended.
func readRecords(path string) ([]*api.LogRecord, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var records []*api.LogRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if r := decodeRecord(scanner.Bytes()); r != nil {
			records = append(records, r)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, err
	}
	return records, offset, nil
}

// printFrom prints matching records appended after offset and returns the
// new end of file.
func printFrom(path string, offset int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if r := decodeRecord(scanner.Bytes()); r != nil {
			printRecord(r)
		}
	}
	if err := scanner.Err(); err != nil {
		return offset, err
	}
	return f.Seek(0, io.SeekCurrent)
}

func decodeRecord(line []byte) *api.LogRecord {
	var r api.LogRecord
	if err := json.Unmarshal(line, &r); err != nil {
		return nil
	}
	if tailType != "" && string(r.Type) != tailType {
		return nil
	}
	if tailPod != "" && r.Entry.PodAddress != tailPod {
		return nil
	}
	return &r
}

func printRecord(r *api.LogRecord) {
	e := r.Entry
	status := "-"
	if e.Status != 0 {
		status = fmt.Sprintf("%d", e.Status)
	}
	rule := e.MatchedRule
	if rule == "" {
		rule = "-"
	}
	fmt.Printf("%s  %-8s  %-21s  %-4s %-24s  %-4s  %s\n",
		e.Timestamp.Format(time.RFC3339),
		r.Type,
		e.PodAddress,
		e.Method,
		e.Path,
		status,
		rule,
	)
}
