//go:build !nogpu

package main

import (
	_ "github.com/gogpu/rhi/backends/gpu"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)
