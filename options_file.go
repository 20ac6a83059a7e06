package fdb

// options_file.go implements OPTIONS file persistence.
//
// The file is plain text with sections and key=value pairs:
//
//	[Version]
//	  client_version=1.0.0
//	  options_file_version=1
//
//	[DatabaseOptions]
//	  name=DB
//	  global_space=
//	  ...
//
//	[TransactionOptions]
//	  timeout_ms=0
//	  ...
//
// Unknown keys and sections are ignored so newer files stay readable.

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aalhour/fdb/internal/vfs"
	"github.com/aalhour/fdb/subspace"
)

const (
	// ClientVersion is written to the [Version] section.
	ClientVersion = "1.0.0"

	// OptionsFileVersion is the current options file format version.
	OptionsFileVersion = 1
)

// WriteOptionsFile writes opts to path atomically. A nil fs uses the OS
// filesystem.
func WriteOptionsFile(fs vfs.FS, path string, opts *Options) error {
	if fs == nil {
		fs = vfs.Default()
	}
	var buf bytes.Buffer
	formatOptions(&buf, opts)
	if err := vfs.WriteFileAtomic(fs, path, buf.Bytes()); err != nil {
		return fmt.Errorf("fdb: write options file %s: %w", path, err)
	}
	return nil
}

func formatOptions(w io.Writer, opts *Options) {
	fmt.Fprintln(w, "[Version]")
	fmt.Fprintf(w, "  client_version=%s\n", ClientVersion)
	fmt.Fprintf(w, "  options_file_version=%d\n", OptionsFileVersion)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[DatabaseOptions]")
	fmt.Fprintf(w, "  name=%s\n", opts.Name)
	fmt.Fprintf(w, "  global_space=%s\n", hex.EncodeToString(opts.GlobalSpace.Bytes()))
	fmt.Fprintf(w, "  payload_warn_bytes=%d\n", opts.PayloadWarnBytes)
	fmt.Fprintf(w, "  location_cache_size=%d\n", opts.LocationCacheSize)
	fmt.Fprintf(w, "  max_watches=%d\n", opts.MaxWatches)
	fmt.Fprintln(w)

	t := opts.Transaction
	fmt.Fprintln(w, "[TransactionOptions]")
	fmt.Fprintf(w, "  timeout_ms=%d\n", t.Timeout.Milliseconds())
	fmt.Fprintf(w, "  retry_limit=%d\n", t.RetryLimit)
	fmt.Fprintf(w, "  max_retry_delay_ms=%d\n", t.MaxRetryDelay.Milliseconds())
	fmt.Fprintf(w, "  size_limit=%d\n", t.SizeLimit)
	fmt.Fprintf(w, "  access_system_keys=%t\n", t.AccessSystemKeys)
}

// ParsedOptions represents options parsed from an OPTIONS file.
type ParsedOptions struct {
	ClientVersion      string
	OptionsFileVersion int
	Options            *Options
}

// ReadOptionsFile reads and parses an OPTIONS file. A nil fs uses the OS
// filesystem.
func ReadOptionsFile(fs vfs.FS, path string) (*ParsedOptions, error) {
	if fs == nil {
		fs = vfs.Default()
	}
	file, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	return ParseOptionsFile(file)
}

// ParseOptionsFile parses options from a reader. Missing keys keep their
// DefaultOptions values. Malformed values are errors.
func ParseOptionsFile(r io.Reader) (*ParsedOptions, error) {
	parsed := &ParsedOptions{Options: DefaultOptions()}
	opts := parsed.Options

	scanner := bufio.NewScanner(r)
	currentSection := ""
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			currentSection = line[1 : len(line)-1]
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		var err error
		switch currentSection {
		case "Version":
			switch key {
			case "client_version":
				parsed.ClientVersion = value
			case "options_file_version":
				parsed.OptionsFileVersion, err = strconv.Atoi(value)
			}

		case "DatabaseOptions":
			switch key {
			case "name":
				opts.Name = value
			case "global_space":
				var prefix []byte
				if prefix, err = hex.DecodeString(value); err == nil {
					opts.GlobalSpace = subspace.FromBytes(prefix)
				}
			case "payload_warn_bytes":
				opts.PayloadWarnBytes, err = strconv.ParseInt(value, 10, 64)
			case "location_cache_size":
				opts.LocationCacheSize, err = strconv.Atoi(value)
			case "max_watches":
				opts.MaxWatches, err = strconv.Atoi(value)
			}

		case "TransactionOptions":
			t := &opts.Transaction
			switch key {
			case "timeout_ms":
				t.Timeout, err = parseMillis(value)
			case "retry_limit":
				t.RetryLimit, err = strconv.Atoi(value)
			case "max_retry_delay_ms":
				t.MaxRetryDelay, err = parseMillis(value)
			case "size_limit":
				t.SizeLimit, err = strconv.Atoi(value)
			case "access_system_keys":
				t.AccessSystemKeys, err = strconv.ParseBool(value)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("fdb: options file line %d: %s.%s: %w", lineNo, currentSection, key, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return parsed, nil
}

func parseMillis(s string) (time.Duration, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
