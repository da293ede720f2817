package repository

import (
	"fmt"

	"github.com/klauspost/cpuid/v2"
	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/config"
	"github.com/shinji-kodama/treeserve/internal/logging"
	"github.com/shinji-kodama/treeserve/internal/model"
)

// Settings are the serving options shared by every model written in one
// export.
type Settings struct {
	MaxBatchSize        int
	MaxQueueDelayMicros int
	InstanceKind        model.InstanceKind
	InstanceCount       int
	Threshold           float64
	StorageType         string
}

// CPUInfo is the host processor summary used to place model instances.
type CPUInfo struct {
	Brand         string `json:"brand"`
	PhysicalCores int    `json:"physicalCores"`
	LogicalCores  int    `json:"logicalCores"`
	AVX2          bool   `json:"avx2"`
	AVX512        bool   `json:"avx512"`
}

// HostCPU reports the processor the CLI runs on.
func HostCPU() CPUInfo {
	return CPUInfo{
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:        cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
}

// cpuInstances is the instance count used on CPU when none is configured:
// one instance per four physical cores, at least one.
func (c CPUInfo) cpuInstances() int {
	n := c.PhysicalCores / 4
	if n < 1 {
		return 1
	}
	return n
}

// ResolveSettings turns the repository configuration into concrete
// settings. An "auto" instance kind becomes gpu when the server is given
// GPUs and cpu otherwise. A zero instance count becomes 1 on GPU and a
// core-derived count on CPU.
func ResolveSettings(rc config.RepositoryConfig, gpus string, host CPUInfo, log *zap.Logger) (Settings, error) {
	log = logging.OrNop(log)
	kind, err := model.ParseInstanceKind(rc.InstanceKind)
	if err != nil {
		return Settings{}, err
	}
	if kind == model.InstanceAuto {
		kind = model.InstanceCPU
		if gpus != "" {
			kind = model.InstanceGPU
		}
	}

	count := rc.InstanceCount
	if count < 0 {
		return Settings{}, fmt.Errorf("instance count must not be negative, got %d", count)
	}
	if count == 0 {
		count = 1
		if kind == model.InstanceCPU {
			count = host.cpuInstances()
		}
	}

	if kind == model.InstanceCPU && !host.AVX2 {
		log.Warn("host CPU lacks AVX2, CPU forest inference will be slow",
			zap.String("cpu", host.Brand))
	}
	log.Debug("resolved instance placement",
		zap.String("kind", kind.String()),
		zap.Int("count", count),
		zap.Int("physical_cores", host.PhysicalCores))

	return Settings{
		MaxBatchSize:        rc.MaxBatchSize,
		MaxQueueDelayMicros: rc.MaxQueueDelayMicros,
		InstanceKind:        kind,
		InstanceCount:       count,
		Threshold:           rc.Threshold,
		StorageType:         rc.StorageType,
	}, nil
}
