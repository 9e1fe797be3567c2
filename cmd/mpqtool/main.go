// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

// Command mpqtool is a thin inspection wrapper around the mpq package: list,
// extract, and verify archives from the command line. It contains no
// archive logic of its own — every operation is a direct call into the
// library's public API.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/blackmarrow/mpq"
	"github.com/spf13/cobra"
)

func openArchive(path string) (*mpq.Archive, error) {
	return mpq.Open(path, mpq.WithSectorCRCCheck(true))
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := openArchive(args[0])
	if err != nil {
		return fmt.Errorf("open %s: %w", args[0], err)
	}
	defer a.Close()

	for _, name := range a.ListFiles() {
		if a.IsDeleteMarker(name) {
			continue
		}
		fmt.Println(name)
	}
	return nil
}

func runExtract(cmd *cobra.Command, args []string) error {
	a, err := openArchive(args[0])
	if err != nil {
		return fmt.Errorf("open %s: %w", args[0], err)
	}
	defer a.Close()

	destDir, _ := cmd.Flags().GetString("out")
	all, _ := cmd.Flags().GetBool("all")

	var names []string
	if all {
		for _, n := range a.ListFiles() {
			if !a.IsDeleteMarker(n) {
				names = append(names, n)
			}
		}
	} else {
		if len(args) < 2 {
			return fmt.Errorf("extract requires a file name, or --all")
		}
		names = args[1:]
	}

	for _, name := range names {
		dest := filepath.Join(destDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", name, err)
		}
		if err := a.ExtractFile(name, dest); err != nil {
			return fmt.Errorf("extract %s: %w", name, err)
		}
		fmt.Printf("extracted %s -> %s\n", name, dest)
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	a, err := openArchive(args[0])
	if err != nil {
		return fmt.Errorf("open %s: %w", args[0], err)
	}
	defer a.Close()

	kind, err := a.VerifyWeakSignature(nil)
	if err != nil {
		return fmt.Errorf("weak signature: %w", err)
	}
	fmt.Printf("weak signature: %s\n", kind)

	kind, err = a.VerifyStrongSignature(nil)
	if err != nil {
		return fmt.Errorf("strong signature: %w", err)
	}
	fmt.Printf("strong signature: %s\n", kind)

	failed := 0
	for _, name := range a.ListFiles() {
		if a.IsDeleteMarker(name) {
			continue
		}
		if err := verifyFileReads(a, name); err != nil {
			fmt.Printf("FAIL %s: %v\n", name, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d file(s) failed verification", failed)
	}
	fmt.Println("all files verified ok")
	return nil
}

func verifyFileReads(a *mpq.Archive, name string) error {
	data, err := a.ReadFile(name)
	if err != nil {
		return err
	}
	_, err = io.Discard.Write(data)
	return err
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "mpqtool",
		Short: "Inspect MPQ archives",
		Long:  "mpqtool lists, extracts, and verifies MPQ archives using the mpq library.",
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("mpqtool 0.1.0")
		},
	}

	listCmd := &cobra.Command{
		Use:   "list <archive>",
		Short: "List files in an archive",
		Args:  cobra.ExactArgs(1),
		RunE:  runList,
	}

	extractCmd := &cobra.Command{
		Use:   "extract <archive> [file...]",
		Short: "Extract one or more files from an archive",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runExtract,
	}
	extractCmd.Flags().String("out", ".", "destination directory")
	extractCmd.Flags().Bool("all", false, "extract every file in the archive")

	verifyCmd := &cobra.Command{
		Use:   "verify <archive>",
		Short: "Verify signatures and sector checksums",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerify,
	}

	rootCmd.AddCommand(versionCmd, listCmd, extractCmd, verifyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
