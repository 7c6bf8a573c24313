/** Copyright 2022-2024 The dxgvmbus Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Argument structures exchanged with the ioctl front end. The front end has
// already validated and copied user requests into these; byte slices carry
// the variable-length blobs that the C interface passes as raw pointers.
package types

// CreateDeviceArgs creates a per-process device on an adapter.
type CreateDeviceArgs struct {
	Adapter Handle
	Flags   uint32

	// Device is filled on success.
	Device Handle
}

// CreateContextArgs creates a virtual context on a device. PrivDrvData is
// sent to the host and overwritten with the host's reply.
type CreateContextArgs struct {
	Device         Handle
	NodeOrdinal    uint32
	EngineAffinity uint32
	Flags          uint32
	ClientHint     uint32
	PrivDrvData    []byte

	Context Handle
}

// CreatePagingQueueArgs creates a host paging queue with a CPU-visible
// progress fence.
type CreatePagingQueueArgs struct {
	Device   Handle
	Priority int32

	PagingQueue Handle
	SyncObject  Handle
	// FenceCPUAddress is the mapped fence window, valid until the queue is
	// destroyed.
	FenceCPUAddress []byte
}

// AllocationInfo describes one allocation in a CreateAllocation batch.
type AllocationInfo struct {
	// Allocation receives the host handle on success.
	Allocation Handle
	// Sysmem is the caller-owned system memory backing the allocation, nil
	// when the host owns the storage.
	Sysmem        []byte
	VidPnSourceID uint32
	Flags         uint32
	PrivDrvData   []byte
}

// CreateAllocationFlags mirrors the host's creation flag word.
type CreateAllocationFlags struct {
	CreateResource     bool
	StandardAllocation bool
	ExistingSysmem     bool
	ReadOnly           bool
}

func (f CreateAllocationFlags) Pack() uint32 {
	var v uint32
	if f.CreateResource {
		v |= 1 << 0
	}
	if f.StandardAllocation {
		v |= 1 << 1
	}
	if f.ExistingSysmem {
		v |= 1 << 2
	}
	if f.ReadOnly {
		v |= 1 << 3
	}
	return v
}

// CreateAllocationArgs is the batched allocation/resource creation request.
type CreateAllocationArgs struct {
	Device   Handle
	Resource Handle
	Flags    CreateAllocationFlags

	PrivateRuntimeResourceHandle uint64
	PrivateRuntimeData           []byte
	// PrivDrvData is the global private driver blob; when
	// Flags.StandardAllocation is set, StandardAllocation is sent instead.
	PrivDrvData        []byte
	StandardAllocation []byte

	Allocations []AllocationInfo

	// GlobalShare is filled on success for shared resources.
	GlobalShare Handle
}

// DestroyAllocationFlags controls host-side destruction behavior.
type DestroyAllocationFlags struct {
	AssumeNotInUse bool
}

func (f DestroyAllocationFlags) Pack() uint32 {
	if f.AssumeNotInUse {
		return 1
	}
	return 0
}

// DestroyAllocation2Args destroys a batch of allocations or a resource.
type DestroyAllocation2Args struct {
	Device   Handle
	Resource Handle
	Flags    DestroyAllocationFlags
	// AllocationCount is set by the front end; the handle list itself is
	// resolved from the handle table by the caller.
	AllocationCount uint32
}

// MakeResidentArgs pages a set of allocations into GPU-accessible memory.
type MakeResidentArgs struct {
	PagingQueue    Handle
	Flags          uint32
	AllocationList []Handle

	PagingFenceValue uint64
	NumBytesToTrim   uint64
}

// EvictArgs removes residency from a set of allocations.
type EvictArgs struct {
	Device      Handle
	Flags       uint32
	Allocations []Handle

	NumBytesToTrim uint64
}

// QueryAllocationResidencyArgs queries per-allocation residency status.
type QueryAllocationResidencyArgs struct {
	Device      Handle
	Allocations []Handle

	// ResidencyStatus receives one word per allocation (one word total when
	// Allocations is empty).
	ResidencyStatus []uint32
}

// OfferAllocationsArgs offers allocation storage back to the host.
type OfferAllocationsArgs struct {
	Device    Handle
	Priority  uint32
	Flags     uint32
	Resources bool
	Handles   []Handle
}

// ReclaimAllocations2Args reclaims previously offered allocations.
type ReclaimAllocations2Args struct {
	PagingQueue Handle
	Resources   bool
	Handles     []Handle

	// Results, when non-nil, receives one discard outcome per handle.
	Results          []uint32
	PagingFenceValue uint64
}

// Lock2Args maps an allocation's storage for CPU access.
type Lock2Args struct {
	Device     Handle
	Allocation Handle
	Flags      uint32

	// Data is the CPU-visible mapping, valid until Unlock2.
	Data []byte
}

// Unlock2Args releases a Lock2 mapping.
type Unlock2Args struct {
	Device     Handle
	Allocation Handle
}

// UpdateAllocPropertyArgs moves an allocation between memory segments.
type UpdateAllocPropertyArgs struct {
	PagingQueue         Handle
	Allocation          Handle
	SupportedSegmentSet uint32
	PreferredSegment    uint32

	PagingFenceValue uint64
}

// SetAllocationPriorityArgs sets residency priorities, either one priority
// for a resource or one per allocation handle.
type SetAllocationPriorityArgs struct {
	Device      Handle
	Resource    Handle
	Allocations []Handle
	Priorities  []uint32
}

// GetAllocationPriorityArgs reads back residency priorities.
type GetAllocationPriorityArgs struct {
	Device      Handle
	Resource    Handle
	Allocations []Handle

	Priorities []uint32
}

// SyncObjectType selects the flavor of a synchronization object.
type SyncObjectType uint32

const (
	SyncObjectTypeFence SyncObjectType = iota + 1
	SyncObjectTypeMonitoredFence
	SyncObjectTypePeriodicMonitoredFence
	SyncObjectTypeCPUNotification
)

// CreateSyncObject2Args creates a sync object, optionally shared and
// optionally backed by a CPU-visible monitored fence.
type CreateSyncObject2Args struct {
	Device            Handle
	Type              SyncObjectType
	Shared            bool
	InitialFenceValue uint64
	EngineAffinity    uint32

	SyncObject      Handle
	SharedHandle    Handle
	FenceGPUAddress uint64
	// FenceCPUAddress is the mapped fence page for monitored fences.
	FenceCPUAddress []byte
}

// OpenSyncObjectArgs opens a shared sync object created by another process.
type OpenSyncObjectArgs struct {
	Device         Handle
	Flags          uint32
	EngineAffinity uint32

	SyncObject      Handle
	FenceGPUAddress uint64
	FenceCPUAddress []byte
}

// SignalFlags carries the signal operation's flag word.
type SignalFlags struct {
	SignalAtSubmission bool
	EnqueueCPUEvent    bool
	AllowFenceRewind   bool
}

func (f SignalFlags) Pack() uint32 {
	var v uint32
	if f.SignalAtSubmission {
		v |= 1 << 0
	}
	if f.EnqueueCPUEvent {
		v |= 1 << 1
	}
	if f.AllowFenceRewind {
		v |= 1 << 2
	}
	return v
}

// WaitSyncObjectFromCPUArgs blocks a CPU waiter on sync object fences.
type WaitSyncObjectFromCPUArgs struct {
	Device      Handle
	Flags       uint32
	Objects     []Handle
	FenceValues []uint64
	// Event identifies the guest event signaled on completion.
	Event uint64
}

// MapGPUVirtualAddressArgs maps an allocation range into a GPU VA space.
type MapGPUVirtualAddressArgs struct {
	PagingQueue    Handle
	Allocation     Handle
	BaseAddress    uint64
	MinimumAddress uint64
	MaximumAddress uint64
	OffsetInPages  uint64
	SizeInPages    uint64
	Protection     uint32
	Flags          uint32

	VirtualAddress   uint64
	PagingFenceValue uint64
}

// ReserveGPUVirtualAddressArgs reserves a GPU VA range without backing.
type ReserveGPUVirtualAddressArgs struct {
	Adapter        Handle
	BaseAddress    uint64
	MinimumAddress uint64
	MaximumAddress uint64
	Size           uint64

	VirtualAddress uint64
}

// FreeGPUVirtualAddressArgs releases a GPU VA range.
type FreeGPUVirtualAddressArgs struct {
	Adapter     Handle
	BaseAddress uint64
	Size        uint64
}

// UpdateGPUVAOperation is one map/unmap/copy step of an update batch.
type UpdateGPUVAOperation struct {
	Operation               uint32
	BaseAddress             uint64
	Size                    uint64
	Allocation              Handle
	AllocationOffsetInPages uint64
	AllocationSizeInPages   uint64
}

// UpdateGPUVAOperationSize is the wire size of one operation record.
const UpdateGPUVAOperationSize = 4 + 8 + 8 + HandleSize + 8 + 8

// UpdateGPUVirtualAddressArgs applies a fenced batch of VA operations.
type UpdateGPUVirtualAddressArgs struct {
	Device      Handle
	Context     Handle
	FenceObject Handle
	FenceValue  uint64
	Flags       uint32
	Operations  []UpdateGPUVAOperation
}

// SubmitCommandArgs submits a command buffer to a context.
type SubmitCommandArgs struct {
	Commands       uint64
	CommandLength  uint32
	Flags          uint32
	Context        Handle
	HistoryBuffers []Handle
	PrivDrvData    []byte
}

// SubmitCommandToHWQueueArgs submits a command buffer to a hardware queue.
type SubmitCommandToHWQueueArgs struct {
	HWQueue           Handle
	ProgressFenceID   uint64
	Commands          uint64
	CommandLength     uint32
	WrittenPrimaries  []Handle
	PrivDrvData       []byte
}

// CreateHWQueueArgs creates a hardware queue with a progress fence.
type CreateHWQueueArgs struct {
	Context     Handle
	Flags       uint32
	PrivDrvData []byte

	Queue              Handle
	ProgressFence      Handle
	ProgressFenceCPUVA []byte
	ProgressFenceGPUVA uint64
}

// OpenResourceArgs opens a shared resource by its global share handle.
type OpenResourceArgs struct {
	Device          Handle
	GlobalShare     Handle
	AllocationCount uint32
	// TotalPrivDrvDataSize is the combined private data size the opener
	// reported when the resource was created.
	TotalPrivDrvDataSize uint32

	Resource          Handle
	AllocationHandles []Handle
}

// StandardAllocationType selects the standard allocation flavor.
type StandardAllocationType uint32

const (
	StandardAllocationGDISurface StandardAllocationType = iota + 1
	StandardAllocationSharedPrimarySurface
	StandardAllocationShadowSurface
	StandardAllocationStagingSurface
)

// GDISurfaceData describes a GDI surface standard allocation.
type GDISurfaceData struct {
	Width  uint32
	Height uint32
	Format uint32
	Type   uint32
	Flags  uint32
	Pitch  uint32
	Size   uint64
}

// GDISurfaceDataSize is the wire size of GDISurfaceData.
const GDISurfaceDataSize = 6*4 + 8

// GetStandardAllocPrivDataArgs fetches the host driver blobs needed to
// create a standard allocation. AllocPrivData and ResPrivData, when
// non-nil, bound the blob sizes the host may return.
type GetStandardAllocPrivDataArgs struct {
	AllocType            StandardAllocationType
	GDISurface           GDISurfaceData
	PhysicalAdapterIndex uint32

	AllocPrivData []byte
	ResPrivData   []byte
}

// QueryAdapterInfoArgs round-trips an opaque query blob to the host.
type QueryAdapterInfoArgs struct {
	Adapter Handle
	Type    AdapterInfoType
	// PrivateData is sent to the host and overwritten with the reply.
	PrivateData []byte
}

// AdapterInfoType enumerates QueryAdapterInfo query kinds handled here.
type AdapterInfoType uint32

const (
	AdapterInfoTypeUmdFileName       AdapterInfoType = 1
	AdapterInfoTypeAdapterType       AdapterInfoType = 15
	AdapterInfoTypeAdapterTypeRender AdapterInfoType = 57
)

// ClockCalibration is the host/guest clock sample pair.
type ClockCalibration struct {
	GPUFrequency    uint64
	GPUClockCounter uint64
	CPUClockCounter uint64
}

// QueryClockCalibrationArgs samples host clocks for timestamp correlation.
type QueryClockCalibrationArgs struct {
	Adapter              Handle
	NodeOrdinal          uint32
	PhysicalAdapterIndex uint32

	ClockData ClockCalibration
}

// QueryVideoMemoryInfoArgs reads segment-group budgets.
type QueryVideoMemoryInfoArgs struct {
	Process              Handle
	Adapter              Handle
	MemorySegmentGroup   uint32
	PhysicalAdapterIndex uint32

	Budget                  uint64
	CurrentUsage            uint64
	CurrentReservation      uint64
	AvailableForReservation uint64
}

// DeviceStateType selects which device state GetDeviceState reads.
type DeviceStateType uint32

const (
	DeviceStateTypeExecution DeviceStateType = 1
	DeviceStateTypePresent   DeviceStateType = 2
	DeviceStateTypeReset     DeviceStateType = 3
)

// GetDeviceStateArgs reads execution/reset state for a device.
type GetDeviceStateArgs struct {
	Device    Handle
	StateType DeviceStateType

	ExecutionState uint32
}

// QueryStatisticsResultSize is the fixed size of the opaque statistics
// result block.
const QueryStatisticsResultSize = 776

// QueryStatisticsArgs reads an opaque statistics block.
type QueryStatisticsArgs struct {
	Adapter Handle
	Type    uint32

	Result [QueryStatisticsResultSize]byte
}

// EscapeArgs passes an opaque driver escape through to the host; the payload
// is overwritten with the host's reply.
type EscapeArgs struct {
	Adapter     Handle
	Device      Handle
	Context     Handle
	Type        uint32
	Flags       uint32
	PrivDrvData []byte
}

// MarkDeviceAsErrorArgs forces a device into the error state.
type MarkDeviceAsErrorArgs struct {
	Device Handle
	Reason uint32
}

// ChangeVideoMemoryReservationArgs adjusts a process's segment reservation.
type ChangeVideoMemoryReservationArgs struct {
	Process              uint64
	Adapter              Handle
	MemorySegmentGroup   uint32
	Reservation          uint64
	PhysicalAdapterIndex uint32
}

// ShareObjectWithHostArgs exposes a guest object to host compositors.
type ShareObjectWithHostArgs struct {
	Device Handle
	Object Handle

	ObjectVailNTHandle uint64
}

// PresentVirtualArgs forwards a virtual present with its driver blob.
type PresentVirtualArgs struct {
	AcquireSemaphoreNTHandle  uint64
	ReleaseSemaphoreNTHandle  uint64
	CompositionMemoryNTHandle uint64
	PrivateData               []byte
}
