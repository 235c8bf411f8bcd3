//go:build darwin || linux

package peerbridge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
)

// nativeLibPaths lists where libmedia_<name> is looked for, in order:
//   - the <envVar> environment variable (full path)
//   - MEDIA_SDK_LIB_PATH (directory)
//   - next to the executable
//   - build/ and build/ffi under the working directory and its parents
//   - system library paths
func nativeLibPaths(envVar, name string) []string {
	libName := "libmedia_" + name + ".so"
	if runtime.GOOS == "darwin" {
		libName = "libmedia_" + name + ".dylib"
	}

	var paths []string
	if p := os.Getenv(envVar); p != "" {
		paths = append(paths, p)
	}
	if p := os.Getenv("MEDIA_SDK_LIB_PATH"); p != "" {
		paths = append(paths, filepath.Join(p, libName))
	}

	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(dir, libName),
			filepath.Join(dir, "..", "lib", libName),
		)
	}

	if wd, err := os.Getwd(); err == nil {
		for dir, i := wd, 0; i < 4; dir, i = filepath.Dir(dir), i+1 {
			paths = append(paths,
				filepath.Join(dir, "build", libName),
				filepath.Join(dir, "build", "ffi", libName),
			)
		}
	}

	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/opt/homebrew/lib/"+libName,
		)
	case "linux":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/usr/lib/"+libName,
		)
	}
	return paths
}

// dlopenNative opens the first loadable libmedia_<name>.
func dlopenNative(envVar, name string) (uintptr, error) {
	var lastErr error
	for _, path := range nativeLibPaths(envVar, name) {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		return handle, nil
	}
	if lastErr != nil {
		return 0, fmt.Errorf("failed to load libmedia_%s: %w", name, lastErr)
	}
	return 0, errors.New("libmedia_" + name + " not found in any standard location")
}

// goStringFromPtr copies a NUL-terminated C string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	n := 0
	for n < 1024 && *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}

// nativeError formats the last error reported by a native library.
func nativeError(getError func() uintptr) string {
	if getError == nil {
		return "library not loaded"
	}
	if s := goStringFromPtr(getError()); s != "" {
		return s
	}
	return "unknown error"
}

// framePlanes returns the plane pointers of an I420 frame.
func framePlanes(frame *VideoFrame) (y, u, v uintptr) {
	return uintptr(unsafe.Pointer(&frame.Data[0][0])),
		uintptr(unsafe.Pointer(&frame.Data[1][0])),
		uintptr(unsafe.Pointer(&frame.Data[2][0]))
}

// nativeBitrateKbps converts a target bitrate for the native encoders.
func nativeBitrateKbps(bps int) int32 {
	if kbps := bps / 1000; kbps > 0 {
		return int32(kbps)
	}
	return 1000
}

func nativeThreads(n int) int32 {
	if n <= 0 {
		return 4
	}
	return int32(n)
}
