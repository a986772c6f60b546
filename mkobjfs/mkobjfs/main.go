// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// The mkobjfs program is the command line form invoking the mkobjfs package's Format() function.

package main

import (
	"fmt"
	"os"

	"github.com/NVIDIA/objfs/mkobjfs"
)

func usage() {
	fmt.Println("mkobjfs -?")
	fmt.Println("   Prints this help text")
	fmt.Println("mkobjfs -N|-I|-F ConfFile [ConfFileOverrides]*")
	fmt.Println("   -N indicates that [Device]ImagePath must be empty")
	fmt.Println("   -I indicates that [Device]ImagePath should only be formatted if necessary")
	fmt.Println("   -F indicates that [Device]ImagePath should be formatted regardless")
	fmt.Println("  ConfFile specifies the .conf file as also passed to objfs-fsck")
	fmt.Println("  ConfFileOverrides is an optional list of modifications to ConfFile to apply")
}

func main() {
	var (
		err  error
		mode mkobjfs.Mode
	)

	if (2 == len(os.Args)) && ("-?" == os.Args[1]) {
		usage()
		os.Exit(0)
	}

	if 3 > len(os.Args) {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "-N":
		mode = mkobjfs.ModeNew
	case "-I":
		mode = mkobjfs.ModeOnlyIfNeeded
	case "-F":
		mode = mkobjfs.ModeReformat
	default:
		usage()
		os.Exit(1)
	}

	err = mkobjfs.Format(mode, os.Args[2], os.Args[3:])
	if nil == err {
		os.Exit(0)
	} else {
		fmt.Fprintf(os.Stderr, "mkobjfs: Format() returned error: %v\n", err)
		os.Exit(1)
	}
}
