// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// memsafe replays memory event traces against the bounds checking
// runtime and prints the detected violations.
package main

func main() {
	execute()
}
