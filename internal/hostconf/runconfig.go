package hostconf

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PerfectLinkConfig is the run configuration for perfect-link mode:
// `<num_messages> <receiver_id>`.
type PerfectLinkConfig struct {
	NumMessages int
	ReceiverID  uint64
}

// ParsePerfectLinkConfig reads a perfect-link mode config file.
func ParsePerfectLinkConfig(path string) (*PerfectLinkConfig, error) {
	fields, err := firstNonEmptyLineFields(path)
	if err != nil {
		return nil, err
	}
	if len(fields) != 2 {
		return nil, fmt.Errorf("hostconf: perfect-link config: expected 2 fields, got %d", len(fields))
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("hostconf: perfect-link config: bad num_messages: %w", err)
	}
	receiver, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("hostconf: perfect-link config: bad receiver_id: %w", err)
	}
	return &PerfectLinkConfig{NumMessages: n, ReceiverID: receiver}, nil
}

// FIFOConfig is the run configuration for FIFO mode: `<num_messages>`.
type FIFOConfig struct {
	NumMessages int
}

// ParseFIFOConfig reads a FIFO mode config file.
func ParseFIFOConfig(path string) (*FIFOConfig, error) {
	fields, err := firstNonEmptyLineFields(path)
	if err != nil {
		return nil, err
	}
	if len(fields) != 1 {
		return nil, fmt.Errorf("hostconf: fifo config: expected 1 field, got %d", len(fields))
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("hostconf: fifo config: bad num_messages: %w", err)
	}
	return &FIFOConfig{NumMessages: n}, nil
}

// LatticeConfig is the run configuration for lattice mode: a first line
// `<p> <vs> <ds>` followed by p lines of space-separated u32 values.
type LatticeConfig struct {
	NumProposals       int
	MaxValuesPerSlot   int
	MaxDistinctValues  int
	Proposals          [][]uint32
}

// ParseLatticeConfig reads a lattice mode config file.
func ParseLatticeConfig(path string) (*LatticeConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hostconf: open lattice config: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	header, err := nextFields(scanner)
	if err != nil {
		return nil, fmt.Errorf("hostconf: lattice config: missing header line")
	}
	if len(header) != 3 {
		return nil, fmt.Errorf("hostconf: lattice config: header expects 3 fields, got %d", len(header))
	}
	p, err := strconv.Atoi(header[0])
	if err != nil {
		return nil, fmt.Errorf("hostconf: lattice config: bad p: %w", err)
	}
	vs, err := strconv.Atoi(header[1])
	if err != nil {
		return nil, fmt.Errorf("hostconf: lattice config: bad vs: %w", err)
	}
	ds, err := strconv.Atoi(header[2])
	if err != nil {
		return nil, fmt.Errorf("hostconf: lattice config: bad ds: %w", err)
	}

	proposals := make([][]uint32, 0, p)
	for i := 0; i < p; i++ {
		fields, err := nextFields(scanner)
		if err != nil {
			return nil, fmt.Errorf("hostconf: lattice config: proposal line %d: %w", i, err)
		}
		if len(fields) < 1 || len(fields) > vs {
			return nil, fmt.Errorf("hostconf: lattice config: proposal line %d has %d values, want 1..%d", i, len(fields), vs)
		}
		values := make([]uint32, len(fields))
		for j, s := range fields {
			v, err := strconv.ParseUint(s, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("hostconf: lattice config: proposal line %d value %d: %w", i, j, err)
			}
			values[j] = uint32(v)
		}
		proposals = append(proposals, values)
	}

	return &LatticeConfig{
		NumProposals:      p,
		MaxValuesPerSlot:  vs,
		MaxDistinctValues: ds,
		Proposals:         proposals,
	}, nil
}

func firstNonEmptyLineFields(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hostconf: open config: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	return nextFields(scanner)
}

func nextFields(scanner *bufio.Scanner) ([]string, error) {
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		return strings.Fields(line), nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("hostconf: unexpected end of file")
}
