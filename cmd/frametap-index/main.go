// Command frametap-index is the offline Offset Indexer: it transcodes an
// input video to H.265 and writes the transcoded file alongside a sidecar
// JSON frame-offset index.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/zsiec/frametap/codec"
	"github.com/zsiec/frametap/codecio"
	"github.com/zsiec/frametap/index"
)

func main() {
	inputPath := flag.String("input", "", "path to the source video (MP4/MOV)")
	outputPath := flag.String("output", "", "path to write the re-encoded H.265 elementary stream")
	sidecarPath := flag.String("sidecar", "", "path to write the sidecar JSON frame-offset index")
	videoURL := flag.String("video-url", "", "video reference URL to record in the sidecar's video_url field")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if *inputPath == "" || *outputPath == "" || *sidecarPath == "" || *videoURL == "" {
		fmt.Fprintln(os.Stderr, "usage: frametap-index -input <path> -output <path> -sidecar <path> -video-url <url>")
		os.Exit(2)
	}

	if err := run(*inputPath, *outputPath, *sidecarPath, *videoURL); err != nil {
		slog.Error("indexing failed", "error", err)
		os.Exit(1)
	}
}

func run(inputPath, outputPath, sidecarPath, videoURL string) error {
	src, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	slog.Info("transcoding to H.265", "input", inputPath, "output", outputPath)
	srcBuf := codecio.NewBuffer(src)
	defer srcBuf.Release()

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := codec.Transcode(srcBuf, out); err != nil {
		out.Close()
		return fmt.Errorf("transcode: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}

	produced, err := os.ReadFile(outputPath)
	if err != nil {
		return fmt.Errorf("read produced file: %w", err)
	}

	slog.Info("extracting frame offsets", "output", outputPath)
	producedBuf := codecio.NewBuffer(produced)
	defer producedBuf.Release()

	entries, err := codec.ExtractOffsets(producedBuf)
	if err != nil {
		return fmt.Errorf("extract offsets: %w", err)
	}

	sidecar := index.FromOffsetEntries(videoURL, entries)

	f, err := os.Create(sidecarPath)
	if err != nil {
		return fmt.Errorf("create sidecar: %w", err)
	}
	defer f.Close()

	if err := sidecar.Encode(f); err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}

	slog.Info("indexing complete", "frames", len(entries))
	return nil
}
