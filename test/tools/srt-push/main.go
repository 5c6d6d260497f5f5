// srt-push streams an MPEG-TS file to the rewind SRT listener in a
// continuous loop, paced to a target bitrate so the service sees a
// realistic live source. Useful for exercising rotation and clip
// retrieval locally:
//
//	go run ./test/tools/srt-push --file sample.ts --key live/cam1
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	srt "github.com/zsiec/srtgo"
)

const tsPacketSize = 188

func main() {
	fileFlag := flag.String("file", "", "TS file to push")
	keyFlag := flag.String("key", "", "Stream key (default: live/<filename>)")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT listener address")
	durationFlag := flag.Float64("duration", 60, "File duration in seconds, used for pacing")
	flag.Parse()

	filePath := *fileFlag
	if filePath == "" && flag.NArg() > 0 {
		filePath = flag.Arg(0)
	}
	if filePath == "" {
		fmt.Fprintf(os.Stderr, "Usage: srt-push --file stream.ts [--key live/cam1] [--addr host:port]\n")
		os.Exit(1)
	}

	streamID := *keyFlag
	if streamID == "" {
		base := filepath.Base(filePath)
		streamID = "live/" + base[:len(base)-len(filepath.Ext(base))]
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read file: %v\n", err)
		os.Exit(1)
	}
	if len(data)%tsPacketSize != 0 {
		fmt.Fprintf(os.Stderr, "warning: file size is not a multiple of %d\n", tsPacketSize)
	}

	duration := *durationFlag
	if duration <= 0 {
		duration = 60
	}
	bytesPerSec := float64(len(data)) / duration
	chunkSize := tsPacketSize * 7

	fmt.Printf("File: %s (%d packets, %.1fs, %.0f bytes/sec)\n",
		filePath, len(data)/tsPacketSize, duration, bytesPerSec)

	for {
		fmt.Printf("[%s] connecting to %s...\n", streamID, *addrFlag)

		cfg := srt.DefaultConfig()
		cfg.StreamID = streamID

		conn, err := srt.Dial(*addrFlag, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] connect failed: %v, retrying...\n", streamID, err)
			time.Sleep(time.Second)
			continue
		}

		fmt.Printf("[%s] connected, streaming\n", streamID)
		writeErr := streamLoop(conn, data, bytesPerSec, chunkSize, streamID)
		conn.Close()

		if writeErr != nil {
			fmt.Fprintf(os.Stderr, "[%s] connection lost: %v, reconnecting...\n", streamID, writeErr)
			time.Sleep(time.Second)
		}
	}
}

// streamLoop writes the file over the connection forever, pacing against a
// global clock so timing stays continuous across loop boundaries.
func streamLoop(conn *srt.Conn, data []byte, bytesPerSec float64, chunkSize int, streamID string) error {
	start := time.Now()
	var sent int64
	lastLog := time.Now()

	for loop := 1; ; loop++ {
		for i := 0; i < len(data); i += chunkSize {
			end := i + chunkSize
			if end > len(data) {
				end = len(data)
			}

			if _, err := conn.Write(data[i:end]); err != nil {
				return err
			}
			sent += int64(end - i)

			expected := float64(sent) / bytesPerSec
			elapsed := time.Since(start).Seconds()
			if expected > elapsed {
				time.Sleep(time.Duration((expected - elapsed) * float64(time.Second)))
			}

			if time.Since(lastLog) >= 10*time.Second {
				rate := float64(sent) / time.Since(start).Seconds()
				fmt.Printf("[%s] loop=%d rate=%.0f B/s total=%.1f MB\n",
					streamID, loop, rate, float64(sent)/(1024*1024))
				lastLog = time.Now()
			}
		}
	}
}
