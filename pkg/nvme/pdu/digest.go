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

package pdu

import (
	"encoding/binary"

	"github.com/klauspost/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var zeroPad [DigestLen]byte

// HeaderDigest returns the CRC32C of the common and type specific header.
func HeaderDigest(hdr []byte) uint32 {
	return crc32.Checksum(hdr, castagnoli)
}

// DataDigestUpdate folds frag into a running data digest. Callers that walk
// buffer chains start from 0 and finish with DataDigestPad.
func DataDigestUpdate(crc uint32, frag []byte) uint32 {
	return crc32.Update(crc, castagnoli, frag)
}

// DataDigestPad folds the zero bytes that align a payload of total bytes to
// a multiple of four.
func DataDigestPad(crc uint32, total int) uint32 {
	if mod := total % DigestLen; mod != 0 {
		crc = crc32.Update(crc, castagnoli, zeroPad[:DigestLen-mod])
	}
	return crc
}

// DataDigest returns the CRC32C of the payload described by frags, zero
// padded to four bytes. The result depends only on the concatenated content.
func DataDigest(frags [][]byte) uint32 {
	var crc uint32
	total := 0
	for _, f := range frags {
		crc = DataDigestUpdate(crc, f)
		total += len(f)
	}
	return DataDigestPad(crc, total)
}

// PutDigest stores a digest in wire order.
func PutDigest(b []byte, crc uint32) {
	binary.LittleEndian.PutUint32(b, crc)
}

// DigestMatches compares a received digest word with crc.
func DigestMatches(b []byte, crc uint32) bool {
	if len(b) < DigestLen {
		return false
	}
	return binary.LittleEndian.Uint32(b) == crc
}
