// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// The objfs-fsck program checks the filesystem in [Device]ImagePath, or one
// volume of it, exiting with the errno of the first failure (0 if it passes).

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/NVIDIA/objfs/blunder"
	"github.com/NVIDIA/objfs/conf"
	"github.com/NVIDIA/objfs/fsck"
	"github.com/NVIDIA/objfs/logger"
	"github.com/NVIDIA/objfs/objstore"
)

type globalsStruct struct {
	flagSet    *pflag.FlagSet
	volumeName string // --volume
	keyFile    string // --key-file
	slow       bool   // --slow
	verbose    bool   // --verbose
}

var globals globalsStruct

func usage() {
	fmt.Fprintln(os.Stderr, "objfs-fsck [flags] ConfFile [ConfFileOverrides]*")
	fmt.Fprintln(os.Stderr, "  ConfFile specifies the .conf file as also passed to mkobjfs")
	fmt.Fprintln(os.Stderr, "  ConfFileOverrides is an optional list of modifications to ConfFile to apply")
	fmt.Fprintln(os.Stderr, "flags:")
	fmt.Fprint(os.Stderr, globals.flagSet.FlagUsages())
}

func setup(args []string) (confFile string, confStrings []string, err error) {
	globals.flagSet = pflag.NewFlagSet("objfs-fsck", pflag.ContinueOnError)
	globals.flagSet.Usage = usage

	globals.flagSet.StringVar(&globals.volumeName, "volume", "", "check only the named volume")
	globals.flagSet.StringVar(&globals.keyFile, "key-file", "", "file holding the key of an encrypted --volume")
	globals.flagSet.BoolVar(&globals.slow, "slow", true, "also verify the contents of every LayerFile (overrides [FSCK]DoSlowPasses)")
	globals.flagSet.BoolVar(&globals.verbose, "verbose", false, "log progress and statistics (overrides [FSCK]Verbose)")

	err = globals.flagSet.Parse(args)
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}

	if 1 > globals.flagSet.NArg() {
		usage()
		err = blunder.NewError(blunder.InvalidArgError, "missing ConfFile")
		return
	}

	confFile = globals.flagSet.Arg(0)
	confStrings = globals.flagSet.Args()[1:]

	return
}

func run(args []string) (err error) {
	var (
		confFile      string
		confMap       conf.ConfMap
		confStrings   []string
		fs            *objstore.Filesystem
		imagePath     string
		key           []byte
		ok            bool
		options       *fsck.Options
		storage       objstore.ObjectStorage
		storeObjectID uint64
	)

	confFile, confStrings, err = setup(args)
	if nil != err {
		return
	}

	confMap, err = conf.MakeConfMapFromFile(confFile)
	if nil != err {
		err = blunder.NewError(blunder.InvalidArgError, "failed to load config: %v", err)
		return
	}

	err = confMap.UpdateFromStrings(confStrings)
	if nil != err {
		err = blunder.NewError(blunder.InvalidArgError, "failed to apply config overrides: %v", err)
		return
	}

	err = logger.Up(confMap)
	if nil != err {
		return
	}
	defer func() {
		_ = logger.Down()
	}()

	options, err = fsck.FetchOptions(confMap)
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}
	if globals.flagSet.Changed("slow") {
		options.DoSlowPasses = globals.slow
	}
	if globals.flagSet.Changed("verbose") {
		options.Verbose = globals.verbose
	}

	imagePath, err = confMap.FetchOptionValueString("Device", "ImagePath")
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}

	storage, err = objstore.NewDirObjectStorage(imagePath)
	if nil != err {
		return
	}

	fs, err = objstore.Open(storage)
	if nil != err {
		return
	}

	if "" == globals.volumeName {
		err = fsck.FsckWithOptions(fs, options)
		return
	}

	storeObjectID, ok = fs.VolumeDirectory().Volumes[globals.volumeName]
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "volume %s not found in %s", globals.volumeName, imagePath)
		return
	}

	if "" != globals.keyFile {
		key, err = os.ReadFile(globals.keyFile)
		if nil != err {
			err = blunder.AddError(err, blunder.IOError)
			return
		}
	}

	err = fsck.FsckVolumeWithOptions(fs, storeObjectID, key, options)

	return
}

func main() {
	err := run(os.Args[1:])
	if nil != err {
		fmt.Fprintf(os.Stderr, "objfs-fsck: %s\n", blunder.ErrorString(err))
		if globals.verbose {
			fmt.Fprintln(os.Stderr, blunder.Details(err))
		}
	}
	os.Exit(blunder.ExitStatus(err))
}
