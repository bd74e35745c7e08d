package bvm

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm/hasher"
	"github.com/fortiblox/bvm/pkg/bvm/module"
	"github.com/fortiblox/bvm/pkg/chain"
	"github.com/fortiblox/bvm/pkg/ledger"
)

// Host is the surface shared by contract and manager code.
type Host interface {
	Height() types.Height
	Header(h types.Height) (*chain.Header, error)
	HashData(algo hasher.Algo, data []byte) ([]byte, error)
	SecpMulG(k []byte) ([33]byte, bool, error)
	SecpMul(pt, k []byte) ([33]byte, bool, error)
	SecpAdd(a, b []byte) ([33]byte, bool, error)
	SecpMulH(k []byte, aid types.AssetID) ([33]byte, bool, error)
	SecpScalar(op ScalarOp, a, b []byte) ([32]byte, bool, error)
	VerifyPoW(data []byte, nonce uint64, difficulty uint32) (bool, error)
	Debug(msg string) error
	Halt(reason string) error
}

// ContractHost is what a native contract shader sees. Every method has the
// same charging and ledger effects as the matching host call.
type ContractHost interface {
	Host
	Cid() types.ContractID
	CallDepth() uint32
	CallerCid(i uint32) (types.ContractID, bool)
	LoadVar(tag ledger.Tag, key []byte) ([]byte, error)
	SaveVar(tag ledger.Tag, key, val []byte) (uint32, error)
	EmitLog(tag ledger.Tag, key, val []byte) (uint32, error)
	CallFar(cid types.ContractID, method uint32, args []byte) error
	FundsLock(aid types.AssetID, amount types.Amount) error
	FundsUnlock(aid types.AssetID, amount types.Amount) error
	RefAdd(cid types.ContractID) (bool, error)
	RefRelease(cid types.ContractID) (bool, error)
	AssetCreate(meta []byte) (types.AssetID, error)
	AssetEmit(aid types.AssetID, amount types.Amount, emit bool) (bool, error)
	AssetDestroy(aid types.AssetID) (bool, error)
	AddSig(pk types.PubKey) error
	UpdateShader(code []byte) error
}

// ManagerHost is what a native manager app sees.
type ManagerHost interface {
	Host
	VarsEnum(kMin, kMax []byte) error
	VarsMoveNext() (key, val []byte, ok bool, err error)
	LogsEnum(kMin, kMax []byte, hMin, hMax types.Height) error
	LogsMoveNext() (LogEntry, bool, error)
	Doc() *DocWriter
	Args() Args
	DerivePk(id []byte) (types.PubKey, error)
	DeriveKeyPreimage(id []byte) (types.Hash, error)
	GenerateKernel(req KernelRequest) (*Kernel, error)
}

var (
	_ ContractHost = (*Processor)(nil)
	_ ManagerHost  = (*Processor)(nil)
)

// NativeMethod is one method of a native contract shader. args is the
// caller's argument buffer; writes to it are visible to the caller.
type NativeMethod func(h ContractHost, args []byte) error

// NativeShader is a contract shader implemented in Go. Methods 0 and 1 are
// the constructor and destructor.
type NativeShader struct {
	Name    string
	Methods []NativeMethod
}

// ID returns the shader id the native shader is registered under.
func (s *NativeShader) ID() types.ShaderID {
	return NativeShaderID(s.Name)
}

// Blob returns the form the shader is stored in on the ledger.
func (s *NativeShader) Blob() []byte {
	return module.NativeBlob(s.ID())
}

func (s *NativeShader) method(i uint32) (NativeMethod, error) {
	if uint64(i) >= uint64(len(s.Methods)) || s.Methods[i] == nil {
		return nil, faultf(ErrMethodOutOfRange, "%s method %d of %d", s.Name, i, len(s.Methods))
	}
	return s.Methods[i], nil
}

// NativeShaderID derives the shader id of a named native shader.
func NativeShaderID(name string) types.ShaderID {
	return types.ShaderID(sha256.Sum256([]byte("bvm.native:" + name)))
}

// AppMethod is one method of a native manager app.
type AppMethod func(h ManagerHost) error

// NativeApp is a manager app implemented in Go.
type NativeApp struct {
	Name    string
	Methods []AppMethod
}

// ID returns the app's shader id, which scopes its derived keys.
func (a *NativeApp) ID() types.ShaderID {
	return NativeShaderID(a.Name)
}

// ErrDuplicateShader is returned when registering a shader twice.
var ErrDuplicateShader = errors.New("native shader already registered")

// Registry maps shader ids to native implementations.
type Registry struct {
	mu      sync.RWMutex
	shaders map[types.ShaderID]*NativeShader
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{shaders: make(map[types.ShaderID]*NativeShader)}
}

// Register adds a native shader and returns its id.
func (r *Registry) Register(s *NativeShader) (types.ShaderID, error) {
	if len(s.Methods) < module.MinMethods {
		return types.ShaderID{}, fmt.Errorf("%w: %s has %d methods", module.ErrInvalidMethods, s.Name, len(s.Methods))
	}
	sid := s.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shaders[sid]; ok {
		return sid, fmt.Errorf("%w: %s", ErrDuplicateShader, s.Name)
	}
	r.shaders[sid] = s
	return sid, nil
}

// Lookup returns the native shader registered under sid. A nil registry
// knows no shaders.
func (r *Registry) Lookup(sid types.ShaderID) (*NativeShader, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shaders[sid]
	return s, ok
}

// Len returns the number of registered shaders.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shaders)
}
