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

// Package vmbus implements the message envelope and transport used to
// reach the host GPU backend: a fixed command header (optionally
// preceded by an extended header on newer interface versions) followed
// by an operation-specific payload, sent over a per-adapter or global
// channel under the channel lock.
package vmbus

const (
	// Interface versions negotiated with the host during OpenAdapter.
	InterfaceVersionOld            = 27
	InterfaceVersion               = 40
	LastCompatibleInterfaceVersion = 16

	// Hard cap on a single message including headers and result region.
	MaxVMBusPacketSize = 1024 * 128
)

// ChannelOrigin tags which direction and scope a command header belongs
// to. Host-to-VM tags appear only in unsolicited host messages.
type ChannelOrigin uint32

const (
	OriginVMToHost ChannelOrigin = iota
	OriginHostToVM
	OriginVGPUToHost
	OriginHostToVGPU
)

// CommandType identifies the operation. Global (VM-to-host) commands
// start at 1000 so the two namespaces cannot be confused on the wire.
type CommandType uint32

// Global commands, sent on the global channel with no adapter scope.
const (
	CmdCreateProcess CommandType = iota + 1000
	CmdDestroyProcess
	CmdOpenSyncObject
	CmdDestroySyncObject
	CmdCreateNTSharedObject
	CmdDestroyNTSharedObject
	CmdSignalFence
	CmdNotifyProcessFreeze
	CmdNotifyProcessThaw
	CmdQueryEtwSession
	CmdSetIOSpaceRegion
	CmdCompleteTransaction
	CmdShareObjectWithHost CommandType = 1021
	CmdPresentVirtual      CommandType = 1022
)

// Per-adapter (vGPU-to-host) commands.
const (
	CmdCreateDevice CommandType = iota
	CmdDestroyDevice
	CmdQueryAdapterInfo
	CmdDDIQueryAdapterInfo
	CmdCreateAllocation
	CmdDestroyAllocation
	CmdCreateContextVirtual
	CmdDestroyContext
	CmdCreateSyncObject
	CmdCreatePagingQueue
	CmdDestroyPagingQueue
	CmdMakeResident
	CmdEvict
	CmdEscape
	CmdOpenAdapter
	CmdCloseAdapter
	CmdFreeGPUVirtualAddress
	CmdMapGPUVirtualAddress
	CmdReserveGPUVirtualAddress
	CmdUpdateGPUVirtualAddress
	CmdSubmitCommand
	CmdQueryVideoMemoryInfo
	CmdWaitForSyncObjectFromCPU
	CmdLock2
	CmdUnlock2
	CmdUpdateAllocationProperty
	CmdOfferAllocations
	CmdReclaimAllocations
	CmdSetAllocationPriority
	CmdGetAllocationPriority
	CmdGetContextSchedulingPriority
	CmdSetContextSchedulingPriority
	CmdQueryClockCalibration
	CmdQueryResourceInfo
	CmdInvalidateCache
	CmdLogEvent
	CmdGetDeviceState
	CmdMarkDeviceAsError
	CmdAdapterStop
	CmdSetQueuedLimit
	CmdOpenResource
	CmdSetContextSchedulingProperties
	CmdPresentHistoryToken
	CmdSetRedirectedFlipFenceValue
	CmdGetInternalAdapterInfo
	CmdFlushHeapTransitions
	CmdBlt
	CmdDDIGetStandardAllocationDriverData
	CmdCddGdiCommand
	CmdQueryAllocationResidency
	CmdFlushDevice
	CmdFlushAdapter
	CmdDDIGetNodeMetadata
	CmdSetExistingSysmemStore
	CmdIsSyncObjectSignaled
	CmdCddSyncGPUAccess
	CmdQueryStatistics
	CmdChangeVideoMemoryReservation
	CmdCreateHWQueue
	CmdDestroyHWQueue
	CmdSubmitCommandToHWQueue
	CmdGetDriverStoreFile
	CmdReadDriverStoreFile
	CmdSignalSyncObject         CommandType = 70
	CmdWaitForSyncObjectFromGPU CommandType = 71
	CmdGetScanLine              CommandType = 72
	CmdSetExistingSysmemPages   CommandType = 73
	CmdGetAllocationSize        CommandType = 74
)

// Wire sizes of the two headers. The command header is six u32 fields:
// command type, owning process handle, command id (always zero today),
// the channel origin tag, the async flag and a reserved word. The
// extended header carries the offset from the start of the packet to
// the command header plus the target vGPU LUID, and is present iff the
// negotiated interface version is at least InterfaceVersion.
const (
	CommandHeaderSize = 24
	ExtHeaderSize     = 16

	asyncFlagOffset = 16
)
