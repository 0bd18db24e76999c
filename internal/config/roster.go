package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// PeerInfo is a single line of the peer roster: an id, a dial address, and
// whether that peer starts the run already holding the complete file.
type PeerInfo struct {
	PeerID  uint32
	Host    string
	Port    uint16
	HasFile bool
}

// ReadRoster parses the peer roster format of spec §6: one peer per line,
// fields "peer_id host port has_file" separated by whitespace, '#'
// introduces a comment. File order is preserved; the orchestrator does not
// rely on it, since it sorts its dial targets (the peers with a lower id than
// its own) by ascending id.
func ReadRoster(r io.Reader) ([]PeerInfo, error) {
	var roster []PeerInfo

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("roster line %d: expected 4 fields, got %d: %q", lineNo, len(fields), line)
		}

		peerID, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("roster line %d: bad peer_id %q: %w", lineNo, fields[0], err)
		}

		port, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("roster line %d: bad port %q: %w", lineNo, fields[2], err)
		}

		hasFile, err := strconv.ParseBool(fields[3])
		if err != nil {
			return nil, fmt.Errorf("roster line %d: bad has_file %q: %w", lineNo, fields[3], err)
		}

		roster = append(roster, PeerInfo{
			PeerID:  uint32(peerID),
			Host:    fields[1],
			Port:    uint16(port),
			HasFile: hasFile,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return roster, nil
}

// LoadRoster opens and parses the roster file at path.
func LoadRoster(path string) ([]PeerInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open roster %s: %w", path, err)
	}
	defer f.Close()

	return ReadRoster(f)
}
