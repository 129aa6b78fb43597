// Command leechcraft is the CLI entry point: `leechcraft <path_to_torrent>`.
// It resolves the executable-relative cache/downloads/configs.conf
// layout (spec.md §6), copies the metainfo file into cache/, and runs
// the engine to completion.
//
// Grounded on the teacher's main.go
// (_examples/niyazisuleymanov-alice/main.go) for the flat
// open-then-download shape, generalized from a two-argument
// input/output-path CLI into the spec's single-argument form with the
// executable-relative cache/downloads/configs.conf layout learned from
// _examples/original_source/src/main.cpp and config.cpp.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"leechcraft/config"
	"leechcraft/engine"
	"leechcraft/helper"
	"leechcraft/metainfo"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: leechcraft <path_to_torrent>")
		os.Exit(1)
	}
	torrentPath := os.Args[1]

	if err := run(torrentPath); err != nil {
		log.Fatal(err)
	}
}

func run(torrentPath string) error {
	paths, err := config.NewPaths()
	if err != nil {
		return fmt.Errorf("main: %w", err)
	}
	if err := paths.EnsureDirs(); err != nil {
		return fmt.Errorf("main: %w", err)
	}

	if err := copyFile(torrentPath, filepath.Join(paths.Cache, filepath.Base(torrentPath))); err != nil {
		return fmt.Errorf("main: cache metainfo: %w", err)
	}

	cfg, err := config.Load(paths.ConfFile)
	if err != nil {
		return fmt.Errorf("main: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("main: %w", err)
	}

	info, err := metainfo.Open(torrentPath)
	if err != nil {
		return fmt.Errorf("main: %w", err)
	}

	peerID := helper.GeneratePeerID()

	eng, err := engine.New(info, paths.Downloads, cfg, peerID)
	if err != nil {
		return fmt.Errorf("main: %w", err)
	}

	log.Printf("%s: %d pieces, %d bytes", info.Name, info.NumPieces(), info.TotalLength())

	return eng.Run()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
