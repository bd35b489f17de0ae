// Package types provides core types used across the vtubeflow runtime.
// This package has ZERO dependencies on other vtubeflow packages to avoid
// circular imports. All other packages should import types from here.
package types
