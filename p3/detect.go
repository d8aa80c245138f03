// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package p3

import "unicode"

// Detection is the result of DetectFDOInFrame.
type Detection struct {
	FDODetected bool
	Frame       *Frame
	Header      *Header
	Err         error
}

// DetectFDOInFrame parses a P3 frame and, if it is a DATA packet, tries
// to interpret its payload as an FDO-carrier (token + stream-id header).
// Only DATA frames are inspected; every other packet type is reported as
// not carrying FDO.
func DetectFDOInFrame(frameBytes []byte) Detection {
	frame, err := ParseFrame(frameBytes)
	if err != nil {
		return Detection{Err: err}
	}

	if frame.PacketType != TypeDATA {
		return Detection{Frame: frame}
	}
	if len(frame.Data) == 0 {
		return Detection{Frame: frame}
	}

	header, err := ParsePacketHeader(frame.Data)
	if err != nil {
		return Detection{Frame: frame, Err: err}
	}
	return Detection{FDODetected: true, Frame: frame, Header: header}
}

// QuickFDOCheck is a cheap predicate for real-time hint systems: it
// validates the outer P3 framing and checks that the payload starts with
// two printable ASCII bytes, without fully parsing the stream-id.
func QuickFDOCheck(frameBytes []byte) bool {
	if !QuickValidate(frameBytes) {
		return false
	}
	data, ok := ExtractDataOnly(frameBytes)
	if !ok || len(data) < 5 {
		return false
	}

	token := trimNUL(data[:2])
	if len(token) != 2 {
		return false
	}
	for _, r := range token {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
