package ports

import (
	"sort"

	"github.com/ctfforge/ctfforge/internal/challenge"
	"github.com/ctfforge/ctfforge/internal/runerrors"
)

const maxTCPPort = 65_535

// A contiguous half-open range of public ports owned by one challenge.
type Block struct {
	Start int
	End   int
}

func (b Block) Size() int {
	return b.End - b.Start
}

// Allocate maps each challenge name to a fixed-size block of consecutive
// public ports starting at basePort, in lexicographic name order with no
// gaps. The result depends only on the name set and the block size, so
// re-running with the same input always yields the same mapping.
func Allocate(names []string, blockSize, basePort int) (map[string]Block, error) {
	if blockSize <= 0 {
		return nil, runerrors.ConfigErrorf("port block size must be positive, got %d", blockSize)
	}
	if basePort <= 0 || basePort > maxTCPPort {
		return nil, runerrors.ConfigErrorf("base port %d out of range", basePort)
	}

	sorted := make([]string, 0, len(names))
	seen := map[string]struct{}{}
	for _, name := range names {
		if _, dup := seen[name]; dup {
			return nil, runerrors.ConfigErrorf("duplicate challenge name %q", name)
		}
		seen[name] = struct{}{}
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	if basePort+len(sorted)*blockSize-1 > maxTCPPort {
		return nil, runerrors.ConfigErrorf(
			"%d challenges with block size %d do not fit above base port %d",
			len(sorted), blockSize, basePort,
		)
	}

	out := make(map[string]Block, len(sorted))
	next := basePort
	for _, name := range sorted {
		out[name] = Block{Start: next, End: next + blockSize}
		next += blockSize
	}

	return out, nil
}

// HostBase shifts the base port for a virtual host. Distinct hosts have
// distinct addresses, so by default every host reuses the same range;
// with perHostRanges each host gets its own disjoint full range instead.
func HostBase(basePort, hostIndex, setSize, blockSize int, perHostRanges bool) int {
	if !perHostRanges {
		return basePort
	}
	return basePort + hostIndex*setSize*blockSize
}

// One declared public port bound to a slot in the challenge's block.
type Assignment struct {
	StepIndex  int
	Declared   challenge.Port
	PublicPort int
}

// AssignPublic gives the challenge's declared public ports the first slots
// of its block, in declaration order across deploy steps. Declaring more
// public ports than the block holds is a configuration error.
func AssignPublic(block Block, ch *challenge.Challenge) ([]Assignment, error) {
	var out []Assignment
	slot := block.Start
	for stepIndex, step := range ch.Deploy {
		for _, port := range step.Ports {
			if !port.Public {
				continue
			}
			if slot >= block.End {
				return nil, runerrors.ConfigErrorf(
					"challenge %q declares more than %d public ports",
					ch.Name, block.Size(),
				)
			}
			out = append(out, Assignment{
				StepIndex:  stepIndex,
				Declared:   port,
				PublicPort: slot,
			})
			slot++
		}
	}
	return out, nil
}
