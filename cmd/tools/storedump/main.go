package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"fixengine/internal/codec"
	"fixengine/internal/schema"
	"fixengine/internal/store"
)

func main() {
	dir := flag.String("dir", "data", "File store root")
	sessionFlag := flag.String("session", "", "Session identity, SENDER->TARGET[:QUALIFIER]")
	file := flag.String("file", "", "Message log path (overrides -dir and -session)")
	from := flag.Uint64("from", 1, "First sequence number to print")
	quiet := flag.Bool("quiet", false, "Only verify, print the summary")
	flag.Parse()

	path := *file
	if path == "" {
		id, err := schema.ParseSessionID(*sessionFlag)
		if err != nil {
			log.Fatalf("storedump: -session %q: %v", *sessionFlag, err)
		}
		path = store.LogPath(*dir, id)
	}

	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("storedump: %v", err)
	}
	defer f.Close()

	sum, err := dump(os.Stdout, store.NewReader(f), *from, *quiet)
	fmt.Printf("%d records, %d printed, %d bad FIX checksums, last seq %d\n", sum.records, sum.printed, sum.badFrames, sum.last)
	if err != nil {
		log.Fatalf("storedump: offset %d: %v", sum.offset, err)
	}
}

type summary struct {
	records   int
	printed   int
	badFrames int
	last      uint64
	offset    int64
}

func dump(w io.Writer, r *store.Reader, from uint64, quiet bool) (summary, error) {
	var sum summary
	for {
		sum.offset = r.Offset()
		msg, err := r.Next()
		if errors.Is(err, io.EOF) {
			return sum, nil
		}
		if err != nil {
			return sum, err
		}
		sum.records++
		sum.last = msg.SeqNum

		decoded, decodeErr := codec.Decode(msg.Raw)
		if decodeErr != nil {
			sum.badFrames++
		}
		if quiet || msg.SeqNum < from {
			continue
		}
		sum.printed++

		msgType := "?"
		if decoded != nil {
			msgType = decoded.MsgType
		}
		possDup := ""
		if msg.PossDup {
			possDup = " possdup"
		}
		fmt.Fprintf(w, "%06d %s %-2s%s %s\n", msg.SeqNum, msg.SentAt.UTC().Format(codec.TimestampLayout), msgType, possDup, codec.Printable(msg.Raw))
		if decodeErr != nil {
			fmt.Fprintf(w, "       bad frame: %v\n", decodeErr)
		}
	}
}
