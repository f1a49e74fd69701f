package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/mihkeltiks/rec-replay/logger"
)

// Substream identifies one of the independently compressed files making up
// a trace.
type Substream int

const (
	SubstreamEvents Substream = iota
	SubstreamRawDataHeader
	SubstreamRawData
	SubstreamMmaps
	SubstreamTasks
	SubstreamGeneric
	SubstreamCount
)

type substreamData struct {
	name      string
	blockSize int
	threads   int
}

// per-substream block sizes and compression worker counts; only the bulk
// data stream is worth parallel compression
var substreams = [SubstreamCount]substreamData{
	{"events", 1024 * 1024, 1},
	{"data_header", 1024 * 1024, 1},
	{"data", 1024 * 1024, 0},
	{"mmaps", 64 * 1024, 1},
	{"tasks", 64 * 1024, 1},
	{"generic", 64 * 1024, 1},
}

func substreamConfig(s Substream) substreamData {
	conf := substreams[s]
	if conf.threads == 0 {
		conf.threads = min(8, runtime.NumCPU())
	}
	return conf
}

// Each block on disk is a small header then the zstd frame:
//
//	u32 compressed length, u32 raw length, compressed bytes
//
// Hand-rolled because the reader needs block boundaries for its in-memory
// peek/rewind model; zstd handles the bytes in between.
const blockHeaderSize = 8

type rawBlock struct {
	seq  int
	data []byte
}

// compressedWriter buffers writes into fixed-size blocks and hands them to a
// bounded pool of compression workers. Workers own their buffers; ordered
// reassembly happens on the writer goroutine's behalf in the sink.
type compressedWriter struct {
	file      *os.File
	blockSize int

	buf []byte

	blocks  chan rawBlock
	results map[int][]byte

	nextSeq     int
	nextToWrite int

	mu       sync.Mutex
	cond     *sync.Cond
	workerWg sync.WaitGroup
	writeErr error

	bytesWritten uint64
}

func newCompressedWriter(path string, blockSize, threads int) (*compressedWriter, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	w := &compressedWriter{
		file:      file,
		blockSize: blockSize,
		buf:       make([]byte, 0, blockSize),
		blocks:    make(chan rawBlock, threads),
		results:   make(map[int][]byte),
	}
	w.cond = sync.NewCond(&w.mu)
	for i := 0; i < threads; i++ {
		w.workerWg.Add(1)
		go w.compressWorker()
	}
	return w, nil
}

func (w *compressedWriter) compressWorker() {
	defer w.workerWg.Done()
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithZeroFrames(true))
	if err != nil {
		logger.Fatal("creating zstd encoder: %v", err)
	}
	defer enc.Close()

	for block := range w.blocks {
		compressed := enc.EncodeAll(block.data, nil)

		framed := make([]byte, blockHeaderSize+len(compressed))
		binary.LittleEndian.PutUint32(framed[0:], uint32(len(compressed)))
		binary.LittleEndian.PutUint32(framed[4:], uint32(len(block.data)))
		copy(framed[blockHeaderSize:], compressed)

		w.mu.Lock()
		w.results[block.seq] = framed
		w.flushReadyLocked()
		w.mu.Unlock()
	}
}

// flushReadyLocked writes completed blocks in sequence order.
func (w *compressedWriter) flushReadyLocked() {
	for {
		framed, ok := w.results[w.nextToWrite]
		if !ok {
			break
		}
		delete(w.results, w.nextToWrite)
		if _, err := w.file.Write(framed); err != nil && w.writeErr == nil {
			w.writeErr = err
		}
		w.nextToWrite++
	}
	w.cond.Broadcast()
}

func (w *compressedWriter) Write(data []byte) {
	w.bytesWritten += uint64(len(data))
	for len(data) > 0 {
		space := w.blockSize - len(w.buf)
		n := min(space, len(data))
		w.buf = append(w.buf, data[:n]...)
		data = data[n:]
		if len(w.buf) == w.blockSize {
			w.flushBlock()
		}
	}
}

func (w *compressedWriter) flushBlock() {
	block := rawBlock{seq: w.nextSeq, data: w.buf}
	w.nextSeq++
	w.buf = make([]byte, 0, w.blockSize)
	w.blocks <- block
}

// Close flushes the partial block, drains the workers and syncs the file.
// Any write failure surfaces here; a half-written substream is fatal.
func (w *compressedWriter) Close() {
	if len(w.buf) > 0 {
		w.flushBlock()
	}
	close(w.blocks)
	w.workerWg.Wait()

	w.mu.Lock()
	for w.nextToWrite < w.nextSeq && w.writeErr == nil {
		w.flushReadyLocked()
		if w.nextToWrite < w.nextSeq {
			w.cond.Wait()
		}
	}
	err := w.writeErr
	w.mu.Unlock()

	if err != nil {
		logger.Fatal("writing trace substream %s: %v", w.file.Name(), err)
	}
	if err := w.file.Close(); err != nil {
		logger.Fatal("closing trace substream: %v", err)
	}
}

func (w *compressedWriter) BytesWritten() uint64 {
	return w.bytesWritten
}

// compressedReader loads blocks on demand into a flat buffer, which makes
// peeking and rewinding trivial: they are just offset manipulation.
type compressedReader struct {
	file *os.File
	dec  *zstd.Decoder

	data []byte
	pos  int

	srcExhausted bool
}

func newCompressedReader(path string) (*compressedReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		file.Close()
		return nil, err
	}
	return &compressedReader{file: file, dec: dec}, nil
}

// ensure makes at least n bytes available past the current position.
func (r *compressedReader) ensure(n int) error {
	for len(r.data)-r.pos < n && !r.srcExhausted {
		if err := r.loadBlock(); err != nil {
			return err
		}
	}
	if len(r.data)-r.pos < n {
		return io.EOF
	}
	return nil
}

func (r *compressedReader) loadBlock() error {
	var header [blockHeaderSize]byte
	_, err := io.ReadFull(r.file, header[:])
	if err == io.EOF {
		r.srcExhausted = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("truncated block header: %w", err)
	}
	compressedLen := binary.LittleEndian.Uint32(header[0:])
	rawLen := binary.LittleEndian.Uint32(header[4:])

	compressed := make([]byte, compressedLen)
	if _, err := io.ReadFull(r.file, compressed); err != nil {
		return fmt.Errorf("truncated block: %w", err)
	}
	raw, err := r.dec.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("corrupt block: %w", err)
	}
	if len(raw) != int(rawLen) {
		return fmt.Errorf("block decompressed to %d bytes, header says %d", len(raw), rawLen)
	}
	r.data = append(r.data, raw...)
	return nil
}

// Read consumes exactly len(buf) bytes.
func (r *compressedReader) Read(buf []byte) error {
	if err := r.ensure(len(buf)); err != nil {
		return err
	}
	copy(buf, r.data[r.pos:])
	r.pos += len(buf)
	return nil
}

// Peek fills buf without consuming.
func (r *compressedReader) Peek(buf []byte) error {
	if err := r.ensure(len(buf)); err != nil {
		return err
	}
	copy(buf, r.data[r.pos:])
	return nil
}

func (r *compressedReader) Rewind() {
	r.pos = 0
}

func (r *compressedReader) AtEnd() bool {
	return r.ensure(1) != nil
}

func (r *compressedReader) Close() {
	r.dec.Close()
	r.file.Close()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
