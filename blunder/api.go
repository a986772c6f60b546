// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to provide additional information in Go errors
// while still conforming to the Go error interface.
//
// This package provides APIs to add errno information to regular Go errors.
// The errno values for the POSIX-mapped constants come from golang.org/x/sys/unix
// so that a command returning one of these errors can exit with a meaningful
// status.
//
// This package is currently implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
//   From merry godoc:
//     You can add any context information to an error with `e = merry.WithValue(e, "code", 12345)`
//     You can retrieve that value with `v, _ := merry.Value(e, "code").(int)`
//
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/objfs/logger"
)

// FsError is the errno-like value carried by every error this repo constructs.
//
// There are two groups of constants:
//  - constants that correspond to linux/POSIX errnos as defined in errno.h
//  - objfs-specific constants for errors not covered in the errno space
//
type FsError int

const (
	NotPermError        FsError = FsError(int(unix.EPERM))   // Operation not permitted
	NotFoundError       FsError = FsError(int(unix.ENOENT))  // No such file or directory
	IOError             FsError = FsError(int(unix.EIO))     // I/O error
	ReadOnlyError       FsError = FsError(int(unix.EROFS))   // Read-only file system
	PermDeniedError     FsError = FsError(int(unix.EACCES))  // Permission denied
	DevBusyError        FsError = FsError(int(unix.EBUSY))   // Device or resource busy
	FileExistsError     FsError = FsError(int(unix.EEXIST))  // File exists
	InvalidArgError     FsError = FsError(int(unix.EINVAL))  // Invalid argument
	FileTooLargeError   FsError = FsError(int(unix.EFBIG))   // File too large
	NoSpaceError        FsError = FsError(int(unix.ENOSPC))  // No space left on device
	OutOfRangeError     FsError = FsError(int(unix.ERANGE))  // Math result not representable
	NotImplementedError FsError = FsError(int(unix.ENOSYS))  // Function not implemented
	NotSupportedError   FsError = FsError(int(unix.ENOTSUP)) // Operation not supported
	NoDataError         FsError = FsError(int(unix.ENODATA)) // No data available
	BadMessageError     FsError = FsError(int(unix.EBADMSG)) // Not a data message
	StructureError      FsError = FsError(int(unix.EUCLEAN)) // Structure needs cleaning
)

// Errors that map to constants already defined above
const (
	CorruptLayerFileError FsError = BadMessageError
	CorruptMetadataError  FsError = StructureError
	StoreLockedError      FsError = PermDeniedError
	UnpackError           FsError = BadMessageError
	PackError             FsError = InvalidArgError
)

const ( // reset iota to 0
	// Errors that are internal/specific to objfs
	FsckFailedError FsError = 1000 + iota
	FsckHaltedError
	FsckFatalError
	InvalidKeyError // Wrong or missing key for an encrypted store
)

// Success error (sounds odd, no? - perhaps this could be renamed "NotAnError"?)
const SuccessError FsError = 0

// Default errno values for success and failure
const successErrno = 0
const failureErrno = -1

// Value returns the int value for the specified FsError constant
func (err FsError) Value() int {
	return int(err)
}

// NewError creates a new merry/blunder.FsError-annotated error using the given
// format string and arguments.
func NewError(errValue FsError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// AddError is used to add FS error detail to a Go error.
//
// NOTE: Checks whether the error value has already been set
//       Note that by default merry will replace the old with the new.
//
func AddError(e error, errValue FsError) error {
	if e == nil {
		return merry.New("regular error").WithValue("errno", int(errValue))
	}

	prevValue := Errno(e)
	if prevValue != successErrno && prevValue != failureErrno && prevValue != int(errValue) {
		logger.Warnf("replacing error value %v with value %v for error %v", prevValue, int(errValue), e)
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

// Errno extracts errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
//
func Errno(e error) int {
	if e == nil {
		// nil error = success
		return successErrno
	}

	// If the "errno" key/value was not present, merry.Value returns nil.
	var errno = failureErrno
	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errno = tmp.(int)
	}

	return errno
}

// ErrorString returns the error text with its errno appended, if one was set.
func ErrorString(e error) string {
	if e == nil {
		return ""
	}

	errPlusVal := e.Error()

	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errPlusVal = fmt.Sprintf("%s. Error Value: %v", errPlusVal, tmp.(int))
	}

	return errPlusVal
}

// Check if an error matches a particular FsError
//
// NOTE: Because the value of the underlying errno is used to do this check, one cannot
//       use this API to distinguish between FsErrors that use the same errno value.
//       IOW, it can't tell the difference between StoreLockedError and PermDeniedError
//       since they both use unix.EACCES as their underlying errno value.
//
func Is(e error, theError FsError) bool {
	return Errno(e) == theError.Value()
}

// ExitStatus maps an error to a process exit status: 0 for success, the errno
// for POSIX-mapped errors, and 1 for everything else.
func ExitStatus(e error) int {
	errno := Errno(e)
	switch {
	case errno == successErrno:
		return 0
	case errno > 0 && errno < 256:
		return errno
	default:
		return 1
	}
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}
