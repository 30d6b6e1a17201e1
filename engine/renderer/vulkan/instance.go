package vulkan

import (
	"fmt"
	"runtime"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

const validationLayerName = "VK_LAYER_KHRONOS_validation"

type instance struct {
	handle   vk.Instance
	debug    bool
	callback vk.DebugReportCallback
}

func newInstance(opts driver.Options) (*instance, error) {
	appName := opts.AppName
	if appName == "" {
		appName = "prism"
	}
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   safeString(appName),
		PEngineName:        safeString("Prism Engine"),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	available := instanceExtensions()
	var extensions []string
	if opts.Surface != nil {
		extensions = append(extensions, "VK_KHR_surface")
		for _, e := range opts.Surface.RequiredInstanceExtensions() {
			if !containsName(extensions, e) {
				extensions = append(extensions, e)
			}
		}
	}
	if runtime.GOOS == "darwin" && containsName(available, "VK_KHR_portability_enumeration") {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		// VK_INSTANCE_CREATE_ENUMERATE_PORTABILITY_BIT_KHR
		createInfo.Flags |= 1
	}

	inst := &instance{}
	var layers []string
	if opts.Debug {
		if containsName(available, vk.ExtDebugReportExtensionName) {
			extensions = append(extensions, vk.ExtDebugReportExtensionName)
			inst.debug = true
		} else {
			core.LogWarn("%s is not available, validation messages will not be logged", vk.ExtDebugReportExtensionName)
		}
		if hasLayer(validationLayerName) {
			layers = append(layers, validationLayerName)
			core.LogInfo("Validation layer enabled.")
		} else {
			core.LogWarn("Validation layer %s is missing", validationLayerName)
		}
	}
	for _, e := range extensions {
		if !containsName(available, e) {
			return nil, fmt.Errorf("vulkan instance extension %s: %w", e, driver.ErrNotInstalled)
		}
	}
	core.LogDebug("Required instance extensions: %v", extensions)

	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = safeStrings(extensions)
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = safeStrings(layers)

	if res := vk.CreateInstance(&createInfo, nil, &inst.handle); res != vk.Success {
		err := resultError(res, "vkCreateInstance")
		core.LogError(err.Error())
		return nil, err
	}
	if err := vk.InitInstance(inst.handle); err != nil {
		core.LogError(err.Error())
		vk.DestroyInstance(inst.handle, nil)
		return nil, err
	}
	core.LogInfo("Vulkan Instance created.")

	if inst.debug {
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		if err := vk.Error(vk.CreateDebugReportCallback(inst.handle, &debugCreateInfo, nil, &inst.callback)); err != nil {
			core.LogWarn("vk.CreateDebugReportCallback failed with %s", err)
			inst.debug = false
		} else {
			core.LogDebug("Vulkan debugger created.")
		}
	}
	return inst, nil
}

func (inst *instance) destroy() {
	if inst.debug && inst.callback != vk.NullDebugReportCallback {
		core.LogDebug("Destroying Vulkan debugger...")
		vk.DestroyDebugReportCallback(inst.handle, inst.callback, nil)
		inst.callback = vk.NullDebugReportCallback
	}
	core.LogDebug("Destroying Vulkan instance...")
	vk.DestroyInstance(inst.handle, nil)
}

func instanceExtensions() []string {
	var count uint32
	if res := vk.EnumerateInstanceExtensionProperties("", &count, nil); res != vk.Success || count == 0 {
		return nil
	}
	props := make([]vk.ExtensionProperties, count)
	if res := vk.EnumerateInstanceExtensionProperties("", &count, props); res != vk.Success {
		return nil
	}
	names := make([]string, 0, count)
	for i := range props[:count] {
		props[i].Deref()
		names = append(names, vk.ToString(props[i].ExtensionName[:]))
	}
	return names
}

func hasLayer(name string) bool {
	var count uint32
	if res := vk.EnumerateInstanceLayerProperties(&count, nil); res != vk.Success || count == 0 {
		return false
	}
	layers := make([]vk.LayerProperties, count)
	if res := vk.EnumerateInstanceLayerProperties(&count, layers); res != vk.Success {
		return false
	}
	for i := range layers[:count] {
		layers[i].Deref()
		if vk.ToString(layers[i].LayerName[:]) == name {
			return true
		}
	}
	return false
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("ERROR: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
