//go:build windows

package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"
)

// Supported reports whether this build carries a loopback backend
const Supported = true

// WASAPI COM GUIDs
var (
	clsidMMDeviceEnumerator = ole.NewGUID("{BCDE0395-E52F-467C-8E3D-C4579291692E}")
	iidIMMDeviceEnumerator  = ole.NewGUID("{A95664D2-9614-4F35-A746-DE8DB63617E6}")
	iidIAudioClient         = ole.NewGUID("{1CB9AD4C-DBFA-4C32-B178-C2F568A703B2}")
	iidIAudioCaptureClient  = ole.NewGUID("{C8ADBD64-E71E-48A0-A4DE-185C395CD317}")

	ksDataFormatIEEEFloat = ole.NewGUID("{00000003-0000-0010-8000-00AA00389B71}")
	ksDataFormatPCM       = ole.NewGUID("{00000001-0000-0010-8000-00AA00389B71}")
)

const (
	eRender   = 0
	eConsole  = 0
	clsctxAll = 0x1 | 0x2 | 0x4 | 0x10

	audclntShareModeShared   = 0
	audclntStreamLoopback    = 0x00020000
	audclntBufferFlagsGap    = 0x1 // AUDCLNT_BUFFERFLAGS_DATA_DISCONTINUITY
	audclntBufferFlagsSilent = 0x2
	audclntSBufferEmpty      = 0x08890001

	waveFormatPCM        = 0x0001
	waveFormatIEEEFloat  = 0x0003
	waveFormatExtensible = 0xFFFE

	// 200ms in 100-ns units
	loopbackBufferDuration = 200 * 10000

	// COM vtable indices (IUnknown = 0,1,2)
	mmdeGetDefaultAudioEndpoint = 4
	mmDeviceActivate            = 3
	mmDeviceGetID               = 5
	audioClientInitialize       = 3
	audioClientGetMixFormat     = 8
	audioClientStart            = 10
	audioClientStop             = 11
	audioClientGetService       = 14
	capClientGetBuffer          = 3
	capClientReleaseBuffer      = 4
	capClientGetNextPacketSize  = 5
)

// waveFormatEx mirrors the leading WAVEFORMATEX fields
type waveFormatEx struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
	CbSize         uint16
}

// WAVEFORMATEX is 18 bytes packed; the extensible tail follows it
const waveFormatExSize = 18

type hresult uint32

var hresultNames = map[hresult]string{
	0x80070490: "E_NOTFOUND",
	0x88890001: "AUDCLNT_E_NOT_INITIALIZED",
	0x88890002: "AUDCLNT_E_ALREADY_INITIALIZED",
	0x88890004: "AUDCLNT_E_DEVICE_INVALIDATED",
	0x88890008: "AUDCLNT_E_UNSUPPORTED_FORMAT",
	0x8889000A: "AUDCLNT_E_DEVICE_IN_USE",
	0x88890010: "AUDCLNT_E_SERVICE_NOT_RUNNING",
}

func (h hresult) Error() string {
	if name, ok := hresultNames[h]; ok {
		return fmt.Sprintf("%s (0x%08X)", name, uint32(h))
	}
	return fmt.Sprintf("HRESULT 0x%08X", uint32(h))
}

// comCall invokes a COM vtable method on obj.
func comCall(obj uintptr, vtableIdx int, args ...uintptr) (uintptr, error) {
	vtable := *(*uintptr)(unsafe.Pointer(obj))
	fn := *(*uintptr)(unsafe.Pointer(vtable + uintptr(vtableIdx)*unsafe.Sizeof(uintptr(0))))
	all := make([]uintptr, 0, 1+len(args))
	all = append(all, obj)
	all = append(all, args...)
	ret, _, _ := syscall.SyscallN(fn, all...)
	if int32(ret) < 0 {
		return ret, hresult(ret)
	}
	return ret, nil
}

func comRelease(obj uintptr) {
	if obj != 0 {
		comCall(obj, 2)
	}
}

var (
	mtaOnce sync.Once
	mtaErr  error
)

// ensureMTA parks one OS thread in the multithreaded apartment for the process
// lifetime so every goroutine may call into WASAPI objects.
func ensureMTA() error {
	mtaOnce.Do(func() {
		ready := make(chan error, 1)
		go func() {
			runtime.LockOSThread()
			if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil && !isSFalse(err) {
				runtime.UnlockOSThread()
				ready <- err
				return
			}
			ready <- nil
			select {}
		}()
		mtaErr = <-ready
	})
	return mtaErr
}

// isSFalse reports S_FALSE, which CoInitializeEx returns for an already initialised thread
func isSFalse(err error) bool {
	var oleErr *ole.OleError
	return errors.As(err, &oleErr) && oleErr.Code() == 1
}

type wasapiEnumerator struct{}

// NewEnumerator returns the WASAPI device enumerator
func NewEnumerator() (Enumerator, error) {
	if err := ensureMTA(); err != nil {
		return nil, fmt.Errorf("CoInitializeEx: %w", err)
	}
	return &wasapiEnumerator{}, nil
}

func (e *wasapiEnumerator) DefaultRenderDevice() (Device, error) {
	unk, err := ole.CreateInstance(clsidMMDeviceEnumerator, iidIMMDeviceEnumerator)
	if err != nil {
		return nil, fmt.Errorf("CoCreateInstance MMDeviceEnumerator: %w", err)
	}
	defer unk.Release()

	var device uintptr
	if _, err := comCall(uintptr(unsafe.Pointer(unk)), mmdeGetDefaultAudioEndpoint,
		eRender, eConsole, uintptr(unsafe.Pointer(&device))); err != nil {
		return nil, fmt.Errorf("GetDefaultAudioEndpoint: %w", err)
	}

	return &wasapiDevice{device: device, id: deviceID(device)}, nil
}

func deviceID(device uintptr) string {
	var p uintptr
	if _, err := comCall(device, mmDeviceGetID, uintptr(unsafe.Pointer(&p))); err != nil || p == 0 {
		return ""
	}
	defer windows.CoTaskMemFree(unsafe.Pointer(p))
	return windows.UTF16PtrToString((*uint16)(unsafe.Pointer(p)))
}

type wasapiDevice struct {
	device uintptr
	id     string
}

func (d *wasapiDevice) ID() string {
	return d.id
}

// ActivateLoopback consumes the device reference
func (d *wasapiDevice) ActivateLoopback() (Client, error) {
	if d.device == 0 {
		return nil, errors.New("device already activated")
	}
	defer func() {
		comRelease(d.device)
		d.device = 0
	}()

	var audioClient uintptr
	if _, err := comCall(d.device, mmDeviceActivate,
		uintptr(unsafe.Pointer(iidIAudioClient)), clsctxAll, 0,
		uintptr(unsafe.Pointer(&audioClient))); err != nil {
		return nil, fmt.Errorf("Activate IAudioClient: %w", err)
	}
	return &wasapiClient{audioClient: audioClient}, nil
}

// wasapiClient is driven from a single goroutine at a time: setup from the
// session controller, then polling from the capture loop.
type wasapiClient struct {
	audioClient   uintptr
	captureClient uintptr

	mixFormat     uintptr // CoTaskMem, freed after Initialize
	format        Format
	bitsPerSample int
	isFloat       bool
}

func (c *wasapiClient) MixFormat() (Format, error) {
	if c.mixFormat != 0 {
		return c.format, nil
	}

	var p uintptr
	if _, err := comCall(c.audioClient, audioClientGetMixFormat, uintptr(unsafe.Pointer(&p))); err != nil {
		return Format{}, fmt.Errorf("GetMixFormat: %w", err)
	}
	wfx := *(*waveFormatEx)(unsafe.Pointer(p))

	isFloat, err := sampleKind(p, wfx)
	if err != nil {
		windows.CoTaskMemFree(unsafe.Pointer(p))
		return Format{}, err
	}

	c.mixFormat = p
	c.isFloat = isFloat
	c.bitsPerSample = int(wfx.BitsPerSample)
	c.format = Format{SampleRate: wfx.SamplesPerSec, Channels: wfx.Channels}
	return c.format, nil
}

// sampleKind accepts 32-bit float and 16-bit PCM mix formats.
func sampleKind(p uintptr, wfx waveFormatEx) (bool, error) {
	tag := wfx.FormatTag
	if tag == waveFormatExtensible && wfx.CbSize >= 22 {
		tail := unsafe.Slice((*byte)(unsafe.Pointer(p+waveFormatExSize)), 22)
		sub := ole.GUID{
			Data1: binary.LittleEndian.Uint32(tail[6:10]),
			Data2: binary.LittleEndian.Uint16(tail[10:12]),
			Data3: binary.LittleEndian.Uint16(tail[12:14]),
		}
		copy(sub.Data4[:], tail[14:22])
		switch {
		case ole.IsEqualGUID(&sub, ksDataFormatIEEEFloat):
			tag = waveFormatIEEEFloat
		case ole.IsEqualGUID(&sub, ksDataFormatPCM):
			tag = waveFormatPCM
		}
	}

	switch {
	case tag == waveFormatIEEEFloat && wfx.BitsPerSample == 32:
		return true, nil
	case tag == waveFormatPCM && wfx.BitsPerSample == 16:
		return false, nil
	}
	return false, fmt.Errorf("unsupported mix format: tag 0x%04X, %d bits", wfx.FormatTag, wfx.BitsPerSample)
}

func (c *wasapiClient) Initialize(f Format) error {
	if c.mixFormat == 0 {
		return errors.New("mix format not negotiated")
	}
	if f != c.format {
		return fmt.Errorf("loopback requires the mix format %d Hz/%d ch, got %d Hz/%d ch",
			c.format.SampleRate, c.format.Channels, f.SampleRate, f.Channels)
	}

	_, err := comCall(c.audioClient, audioClientInitialize,
		audclntShareModeShared,
		audclntStreamLoopback,
		uintptr(loopbackBufferDuration),
		0,
		c.mixFormat,
		0,
	)
	windows.CoTaskMemFree(unsafe.Pointer(c.mixFormat))
	c.mixFormat = 0
	if err != nil {
		return fmt.Errorf("Initialize: %w", err)
	}

	var capture uintptr
	if _, err := comCall(c.audioClient, audioClientGetService,
		uintptr(unsafe.Pointer(iidIAudioCaptureClient)),
		uintptr(unsafe.Pointer(&capture))); err != nil {
		return fmt.Errorf("GetService IAudioCaptureClient: %w", err)
	}
	c.captureClient = capture
	return nil
}

func (c *wasapiClient) Start() error {
	if _, err := comCall(c.audioClient, audioClientStart); err != nil {
		return fmt.Errorf("Start: %w", err)
	}
	return nil
}

func (c *wasapiClient) Stop() error {
	if _, err := comCall(c.audioClient, audioClientStop); err != nil {
		return fmt.Errorf("Stop: %w", err)
	}
	return nil
}

func (c *wasapiClient) NextPacketSize() (uint32, error) {
	var frames uint32
	if _, err := comCall(c.captureClient, capClientGetNextPacketSize, uintptr(unsafe.Pointer(&frames))); err != nil {
		return 0, err
	}
	return frames, nil
}

func (c *wasapiClient) GetBuffer() (Packet, error) {
	var (
		data   uintptr
		frames uint32
		flags  uint32
	)
	hr, err := comCall(c.captureClient, capClientGetBuffer,
		uintptr(unsafe.Pointer(&data)),
		uintptr(unsafe.Pointer(&frames)),
		uintptr(unsafe.Pointer(&flags)),
		0,
		0,
	)
	if err != nil {
		return Packet{}, err
	}
	if hr == audclntSBufferEmpty {
		return Packet{}, nil
	}

	pkt := Packet{
		Frames:        frames,
		Silent:        flags&audclntBufferFlagsSilent != 0,
		Discontinuity: flags&audclntBufferFlagsGap != 0,
	}
	if pkt.Silent || data == 0 || frames == 0 {
		return pkt, nil
	}

	n := int(frames) * int(c.format.Channels)
	pkt.Samples = make([]float32, n)
	if c.isFloat {
		copy(pkt.Samples, unsafe.Slice((*float32)(unsafe.Pointer(data)), n))
	} else {
		for i, s := range unsafe.Slice((*int16)(unsafe.Pointer(data)), n) {
			pkt.Samples[i] = float32(s) / 32768.0
		}
	}
	return pkt, nil
}

func (c *wasapiClient) ReleaseBuffer(frames uint32) error {
	_, err := comCall(c.captureClient, capClientReleaseBuffer, uintptr(frames))
	return err
}

func (c *wasapiClient) Close() error {
	if c.mixFormat != 0 {
		windows.CoTaskMemFree(unsafe.Pointer(c.mixFormat))
		c.mixFormat = 0
	}
	comRelease(c.captureClient)
	comRelease(c.audioClient)
	c.captureClient = 0
	c.audioClient = 0
	return nil
}
