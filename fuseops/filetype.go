// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fuseops

// String renders a DirentType for debug logging.
func (t DirentType) String() string {
	switch t {
	case DT_FIFO:
		return "fifo"
	case DT_Char:
		return "char"
	case DT_Directory:
		return "directory"
	case DT_Block:
		return "block"
	case DT_File:
		return "file"
	case DT_Link:
		return "symlink"
	case DT_Socket:
		return "socket"
	default:
		return "unknown"
	}
}

// DirentTypeFromMode derives a DirentType from a stat(2) st_mode value,
// for file systems that track attributes as raw mode bits.
func DirentTypeFromMode(mode uint32) DirentType {
	switch mode & 0170000 { // S_IFMT
	case 0140000: // S_IFSOCK
		return DT_Socket
	case 0120000: // S_IFLNK
		return DT_Link
	case 0100000: // S_IFREG
		return DT_File
	case 0060000: // S_IFBLK
		return DT_Block
	case 0040000: // S_IFDIR
		return DT_Directory
	case 0020000: // S_IFCHR
		return DT_Char
	case 0010000: // S_IFIFO
		return DT_FIFO
	default:
		return DT_Unknown
	}
}
