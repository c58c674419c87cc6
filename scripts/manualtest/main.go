package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/jaywantadh/filehoster/internal/registry"
	"github.com/jaywantadh/filehoster/internal/session"
	"github.com/jaywantadh/filehoster/internal/storage"
	"github.com/jaywantadh/filehoster/pkg/logging"
)

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Serves a random file on loopback and pulls it back in capped rounds,
// killing the first connection halfway to exercise resume.
func main() {
	size := flag.Int("size", 8<<20, "source file size in bytes")
	offer := flag.Uint64("offer", 1<<20, "largest single offer the server makes")
	chunk := flag.Int("chunk", 64<<10, "largest single write the server makes")
	flag.Parse()

	logging.InitLogger(true)
	log := logging.Log

	workDir, err := os.MkdirTemp("", "filehoster-manualtest")
	if err != nil {
		log.Fatalf("Temp dir failed: %v", err)
	}
	defer os.RemoveAll(workDir)

	src := filepath.Join(workDir, "source.bin")
	data := make([]byte, *size)
	if _, err := rand.Read(data); err != nil {
		log.Fatalf("Random data failed: %v", err)
	}
	if err := os.WriteFile(src, data, 0644); err != nil {
		log.Fatalf("Write source failed: %v", err)
	}
	origHash, err := sha256File(src)
	if err != nil {
		log.Fatalf("Hash source failed: %v", err)
	}
	fmt.Printf("Original SHA256: %s\n", origHash)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("Listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := session.NewServer(registry.NewDiskRegistry(src), session.Options{
		MaxOfferBytes: *offer,
		MaxChunkSize:  *chunk,
	}, log)
	go srv.Serve(ctx, ln)

	dest := storage.NewFile(filepath.Join(workDir, "copy.bin"))

	// First attempt: take one offer and hang up mid-payload.
	client, err := session.Dial(ctx, ln.Addr().String(), session.ClientOptions{Log: log})
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}
	remaining, err := client.Negotiate(src, 0)
	if err != nil {
		log.Fatalf("Negotiate failed: %v", err)
	}
	w, err := dest.OpenAppend()
	if err != nil {
		log.Fatalf("Open destination failed: %v", err)
	}
	if _, err := io.CopyN(w, client.Payload(), int64(remaining/2)); err != nil {
		log.Fatalf("Partial copy failed: %v", err)
	}
	w.Close()
	client.Close()
	partial, _ := dest.Size()
	fmt.Printf("Interrupted after %d of %d bytes\n", partial, *size)

	// Second attempt resumes from whatever reached the disk.
	client, err = session.Dial(ctx, ln.Addr().String(), session.ClientOptions{Log: log})
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()
	res, err := client.Download(src, dest, nil)
	if err != nil {
		log.Fatalf("Resume failed: %v", err)
	}
	fmt.Printf("Resumed in %d rounds, %d bytes received\n", res.Rounds, res.BytesReceived)

	copyHash, err := sha256File(dest.Path())
	if err != nil {
		log.Fatalf("Hash copy failed: %v", err)
	}
	fmt.Printf("Copy SHA256:     %s\n", copyHash)
	if copyHash != origHash {
		fmt.Println("Mismatch")
		os.Exit(1)
	}
	fmt.Println("Match")
}
