// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nvme

import (
	"fmt"
	"io"
)

// ScatterList is a payload described by a list of buffers. The transport
// slices it into per PDU fragments without copying.
type ScatterList struct {
	buffers  [][]byte
	len      int
	capacity int
}

func NewScatterList(datalen, bufferLen int) *ScatterList {
	buffers := make([][]byte, 0)

	for left := datalen; left > 0; {
		bufferSize := minInt(left, bufferLen)
		buffers = append(buffers, make([]byte, bufferSize))
		left -= bufferSize
	}

	return &ScatterList{buffers: buffers, len: 0, capacity: datalen}
}

// NewScatterListFromBuffers wraps caller owned buffers. The list is
// considered full.
func NewScatterListFromBuffers(buffers ...[]byte) *ScatterList {
	size := 0
	for _, b := range buffers {
		size += len(b)
	}
	return &ScatterList{buffers: buffers, len: size, capacity: size}
}

// Len is the amount of data we can write before filling the sgl
func (sgl *ScatterList) Len() int {
	return sgl.capacity - sgl.len
}

func (sgl *ScatterList) Size() int {
	return sgl.capacity
}

// Buffers returns the underlying buffers.
func (sgl *ScatterList) Buffers() [][]byte {
	return sgl.buffers
}

func (sgl *ScatterList) String() string {
	return fmt.Sprintf("sgl{buffers: %d, size: %d}", len(sgl.buffers), sgl.capacity)
}

// Slice returns the fragments covering [offset, offset+length). Fragments
// alias the list buffers.
func (sgl *ScatterList) Slice(offset, length int) ([][]byte, error) {
	return SliceBuffers(sgl.buffers, offset, length)
}

// SliceBuffers returns the fragments of buffers covering
// [offset, offset+length).
func SliceBuffers(buffers [][]byte, offset, length int) ([][]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("invalid range offset %d length %d", offset, length)
	}
	var out [][]byte
	for _, buffer := range buffers {
		if length == 0 {
			break
		}
		if offset >= len(buffer) {
			offset -= len(buffer)
			continue
		}
		n := minInt(len(buffer)-offset, length)
		out = append(out, buffer[offset:offset+n])
		length -= n
		offset = 0
	}
	if length > 0 {
		return out, io.ErrShortBuffer
	}
	return out, nil
}

// BuffersLen sums the length of a buffer list.
func BuffersLen(buffers [][]byte) int {
	size := 0
	for _, b := range buffers {
		size += len(b)
	}
	return size
}

// CopyBuffers copies src fragments into dst fragments and returns the number
// of bytes copied.
func CopyBuffers(dst, src [][]byte) int {
	copied := 0
	di, doff := 0, 0
	for _, s := range src {
		for len(s) > 0 && di < len(dst) {
			n := copy(dst[di][doff:], s)
			s = s[n:]
			doff += n
			copied += n
			if doff == len(dst[di]) {
				di++
				doff = 0
			}
		}
		if di == len(dst) {
			break
		}
	}
	return copied
}

type scatterListWriter struct {
	sgl    *ScatterList
	offset int
	index  int
}

// Offset offset in bytes from the begining of buffers[index]
func (writer *scatterListWriter) Offset() int {
	return writer.offset
}

// Index the buffer number currently free to write
func (writer *scatterListWriter) Index() int {
	return writer.index
}

type scatterListReader struct {
	sgl    *ScatterList
	offset int
	index  int
}

func (reader *scatterListReader) Len() int {
	sum := 0
	for i := 0; i < reader.index; i++ {
		sum += len(reader.sgl.buffers[i])
	}
	return reader.sgl.Size() - (sum + reader.offset)
}

// Read sgl into buffer p
// Return amount of bytes read,  error if SGL is too short
func (reader *scatterListReader) Read(p []byte) (n int, err error) {
	sgl := reader.sgl
	readLen := len(p)
	bytesCopied := 0
	for readLen > 0 && reader.index < len(sgl.buffers) {
		buffer := sgl.buffers[reader.index]
		bytesToCopy := minInt(len(buffer)-reader.offset, readLen)
		copy(p[bytesCopied:bytesCopied+bytesToCopy], buffer[reader.offset:reader.offset+bytesToCopy])
		reader.offset += bytesToCopy
		bytesCopied += bytesToCopy
		readLen -= bytesToCopy

		if reader.offset < len(buffer) {
			continue
		}

		reader.offset = 0
		reader.index++
	}

	// our SGL is too short to serve the read
	if readLen > 0 {
		return bytesCopied, io.EOF
	}

	return bytesCopied, nil
}

// Writes continious buffer p into sgl
func (writer *scatterListWriter) Write(p []byte) (n int, err error) {
	writeLen := len(p)
	pOffset := 0
	sgl := writer.sgl
	for writeLen > 0 && writer.index < len(sgl.buffers) {
		buffer := sgl.buffers[writer.index]
		leftToWrite := minInt(len(buffer)-writer.offset, writeLen)
		copy(buffer[writer.offset:], p[pOffset:pOffset+leftToWrite])

		writeLen -= leftToWrite
		pOffset += leftToWrite
		sgl.len += leftToWrite
		writer.offset += leftToWrite

		if writer.offset < len(buffer) {
			continue
		}

		writer.offset = 0
		writer.index++
	}

	if writeLen > 0 {
		return pOffset, io.ErrShortBuffer
	}
	return pOffset, nil
}

func NewScatterListWriter(sgl *ScatterList) *scatterListWriter {
	return &scatterListWriter{sgl: sgl, offset: 0, index: 0}
}

func NewScatterListReader(sgl *ScatterList) *scatterListReader {
	return &scatterListReader{sgl: sgl, offset: 0, index: 0}
}
