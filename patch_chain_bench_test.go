// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"os"
	"path/filepath"
	"testing"
)

func buildChainArchives(b *testing.B, tmpDir string, archives, filesPer int) []string {
	var archivePaths []string
	for i := 0; i < archives; i++ {
		archivePath := filepath.Join(tmpDir, "archive_"+string(rune('0'+i))+".mpq")
		archive, err := Create(archivePath, filesPer+1)
		if err != nil {
			b.Fatal(err)
		}

		for j := 0; j < filesPer; j++ {
			fileName := filepath.Join(tmpDir, "file_"+string(rune('a'+j))+".txt")
			content := []byte("test content " + string(rune('0'+i)) + string(rune('a'+j)))
			if err := os.WriteFile(fileName, content, 0644); err != nil {
				b.Fatal(err)
			}

			mpqPath := "Data\\File_" + string(rune('a'+j)) + ".txt"
			if err := archive.AddFile(fileName, mpqPath); err != nil {
				b.Fatal(err)
			}
		}

		if err := archive.Close(); err != nil {
			b.Fatal(err)
		}

		archivePaths = append(archivePaths, archivePath)
	}
	return archivePaths
}

// BenchmarkPatchChainLookup benchmarks HasFile across a multi-archive chain.
func BenchmarkPatchChainLookup(b *testing.B) {
	tmpDir := b.TempDir()
	archivePaths := buildChainArchives(b, tmpDir, 5, 20)

	chain, err := OpenPatchChain(archivePaths)
	if err != nil {
		b.Fatal(err)
	}
	defer chain.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		chain.HasFile("Data\\File_a.txt")
		chain.HasFile("Data\\File_j.txt")
		chain.HasFile("Data\\File_t.txt")
		chain.HasFile("Data\\NonExistent.txt")
	}
}

// BenchmarkPatchChainExtract benchmarks ReadFile-via-ExtractFile across a
// multi-archive chain.
func BenchmarkPatchChainExtract(b *testing.B) {
	tmpDir := b.TempDir()
	archivePaths := buildChainArchives(b, tmpDir, 3, 10)

	chain, err := OpenPatchChain(archivePaths)
	if err != nil {
		b.Fatal(err)
	}
	defer chain.Close()

	outputDir := filepath.Join(tmpDir, "output")
	os.MkdirAll(outputDir, 0755)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		destPath := filepath.Join(outputDir, "extracted.txt")
		chain.ExtractFile("Data\\File_a.txt", destPath)
		os.Remove(destPath)
	}
}
