package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrProgramOutOfRange is returned when a program index outside [0,5] reaches the media layer.
	ErrProgramOutOfRange = errors.New("program index out of range")

	// ErrAssetMissing is returned when a video or audio asset cannot be found.
	ErrAssetMissing = errors.New("media asset missing")
)

// Program identifies which video+audio pair is playing. Valid values are 0..5.
type Program int

// Valid reports whether p names one of the installation's programs.
func (p Program) Valid() bool {
	return p >= minProgram && p <= maxProgram
}

// ClampCount forces any count into the program range.
// This is the only place count values are normalized.
func ClampCount(n int) int {
	if n < minProgram {
		return minProgram
	}
	if n > maxProgram {
		return maxProgram
	}
	return n
}

// MediaCatalog maps a program index to its asset paths using fixed naming patterns.
type MediaCatalog struct {
	VideoPattern string // e.g. "videos/Compozitie mare %d.avi"
	AudioPattern string // e.g. "sounds/sound %d.mp4"
}

// VideoPath returns the video asset for p.
func (c MediaCatalog) VideoPath(p Program) (string, error) {
	return c.path(c.VideoPattern, p)
}

// AudioPath returns the audio asset for p.
func (c MediaCatalog) AudioPath(p Program) (string, error) {
	return c.path(c.AudioPattern, p)
}

func (c MediaCatalog) path(pattern string, p Program) (string, error) {
	if !p.Valid() {
		return "", fmt.Errorf("%w: %d", ErrProgramOutOfRange, int(p))
	}
	if !strings.Contains(pattern, "%d") {
		return "", fmt.Errorf("asset pattern %q has no %%d placeholder", pattern)
	}
	return ExpandPath(fmt.Sprintf(pattern, int(p))), nil
}

// Verify checks that every program's video and audio asset exists.
func (c MediaCatalog) Verify() error {
	for p := Program(minProgram); p <= maxProgram; p++ {
		for _, lookup := range []func(Program) (string, error){c.VideoPath, c.AudioPath} {
			path, err := lookup(p)
			if err != nil {
				return err
			}
			if err := assetExists(path); err != nil {
				return err
			}
		}
	}
	return nil
}

func assetExists(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAssetMissing, path, err)
	}
	if st.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrAssetMissing, path)
	}
	return nil
}
