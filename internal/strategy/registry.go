package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"qtf/internal/engine"
	"qtf/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Factory 按参数构建一个策略实例。
type Factory func(params map[string]any) (engine.Strategy, error)

// Template 描述单个策略模板：绑定的 handler、默认参数和参数 schema。
type Template struct {
	ID          string         `mapstructure:"id" yaml:"id"`
	Description string         `mapstructure:"description" yaml:"description"`
	Handler     string         `mapstructure:"handler" yaml:"handler"`
	Version     int            `mapstructure:"version" yaml:"version"`
	Defaults    map[string]any `mapstructure:"defaults" yaml:"defaults"`
	Schema      map[string]any `mapstructure:"schema" yaml:"schema"`

	schemaCompiled *jsonschema.Schema
}

// FileConfig 映射 strategies.yaml 顶层结构。
type FileConfig struct {
	Strategies map[string]Template `mapstructure:"strategies" yaml:"strategies"`
}

// Snapshot 当前模板集的只读快照。
type Snapshot struct {
	Version   int64
	LoadedAt  time.Time
	Templates map[string]Template
}

// ChangeListener 在模板文件重载后触发。
type ChangeListener func(Snapshot)

// Registry 管理策略模板与 handler 工厂。模板来自 yaml 文件并支持
// 热更新；工厂在代码里注册，模板通过 handler 字段引用。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	factories map[string]Factory
	listeners []ChangeListener
}

// NewRegistry 读取模板文件并监听更新，内置 handler 自动注册。
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("strategy registry 需要模板文件路径")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取策略模板失败: %w", err)
	}
	r := &Registry{path: path, v: v, factories: make(map[string]Factory)}
	r.registerBuiltins()
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("策略模板重载失败: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

func (r *Registry) registerBuiltins() {
	r.factories["sma_cross"] = func(params map[string]any) (engine.Strategy, error) {
		var p SMACrossParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return NewSMACross("sma_cross", p)
	}
}

// RegisterFactory 注册自定义 handler，重名覆盖。
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.TrimSpace(name)] = f
}

// Subscribe 注册重载回调。
func (r *Registry) Subscribe(fn ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Snapshot 返回当前模板集。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Template 返回指定 ID 的模板。
func (r *Registry) Template(id string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.snapshot.Templates[strings.TrimSpace(id)]
	return tpl, ok
}

// IDs 返回全部模板 ID，字典序。
func (r *Registry) IDs() []string {
	snap := r.Snapshot()
	out := make([]string, 0, len(snap.Templates))
	for id := range snap.Templates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Build 按模板构建策略：defaults 与 overrides 合并后先过 schema
// 校验，再交给 handler 工厂。
func (r *Registry) Build(id string, overrides map[string]any) (engine.Strategy, error) {
	tpl, ok := r.Template(id)
	if !ok {
		return nil, fmt.Errorf("未知策略模板: %s", id)
	}
	params := mergeParams(tpl.Defaults, overrides)
	if err := tpl.Validate(params); err != nil {
		return nil, fmt.Errorf("策略参数校验失败 %s: %w", id, err)
	}
	r.mu.RLock()
	factory, ok := r.factories[tpl.Handler]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("模板 %s 引用了未注册的 handler: %s", id, tpl.Handler)
	}
	return factory(params)
}

// Validate 用模板 schema 校验一组参数。
func (t Template) Validate(params map[string]any) error {
	if t.schemaCompiled == nil {
		return nil
	}
	return t.schemaCompiled.Validate(normalizeJSON(params))
}

func (r *Registry) reload() error {
	cfg, err := readTemplateFile(r.path)
	if err != nil {
		return err
	}
	templates := make(map[string]Template)
	for name, tpl := range cfg.Strategies {
		norm := normalizeTemplate(name, tpl)
		templates[norm.ID] = norm
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:   r.snapshot.Version + 1,
		LoadedAt:  time.Now(),
		Templates: templates,
	}
	r.mu.Unlock()
	logger.Infof("策略模板加载完成 count=%d file=%s", len(templates), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		if fn == nil {
			continue
		}
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("策略模板监听器 panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func normalizeTemplate(name string, tpl Template) Template {
	tpl.ID = strings.TrimSpace(tpl.ID)
	if tpl.ID == "" {
		tpl.ID = strings.TrimSpace(name)
	}
	tpl.Handler = strings.TrimSpace(tpl.Handler)
	if tpl.Handler == "" {
		tpl.Handler = tpl.ID
	}
	if tpl.Version <= 0 {
		tpl.Version = 1
	}
	tpl.Description = strings.TrimSpace(tpl.Description)
	if len(tpl.Schema) > 0 {
		if compiled, err := compileSchema(tpl.Schema); err != nil {
			logger.Errorf("策略模板 schema 编译失败 id=%s: %v", tpl.ID, err)
		} else {
			tpl.schemaCompiled = compiled
		}
	}
	return tpl
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:   src.Version,
		LoadedAt:  src.LoadedAt,
		Templates: make(map[string]Template, len(src.Templates)),
	}
	for id, tpl := range src.Templates {
		dst.Templates[id] = tpl
	}
	return dst
}

func mergeParams(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func decodeParams(params map[string]any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}

func compileSchema(data map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// normalizeJSON 走一遍 json 编解码，把 yaml 解出的 int 等统一成
// schema 校验认识的 float64/map[string]any。
func normalizeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func readTemplateFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("读取策略模板失败: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("解析策略模板失败: %w", err)
	}
	return cfg, nil
}
